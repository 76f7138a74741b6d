package pral

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StatusSuccess is the validation status code of an accepted invoice.
const StatusSuccess = "00"

// ErrMalformedResponse indicates the authority answered with a shape that
// cannot be interpreted.
var ErrMalformedResponse = errors.New("pral: malformed response")

// WireResponse is the normalised submission/validation response.
type WireResponse struct {
	InvoiceNumber  string
	Dated          string
	TransmissionID string
	StatusCode     string
	Status         string
	ErrorCode      string
	Error          string
	Items          []ItemStatus
}

// ItemStatus is the per-item validation result.
type ItemStatus struct {
	ItemSNo    string
	StatusCode string
	Status     string
	InvoiceNo  string
	ErrorCode  string
	Error      string
}

// Success reports whether the authority accepted the invoice.
func (r *WireResponse) Success() bool {
	return r != nil && r.StatusCode == StatusSuccess
}

// ItemErrors lists the item-level errors reported by the authority.
func (r *WireResponse) ItemErrors() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, it := range r.Items {
		if it.StatusCode == StatusSuccess || (it.Error == "" && it.ErrorCode == "") {
			continue
		}
		out = append(out, fmt.Sprintf("item %s: [%s] %s", it.ItemSNo, it.ErrorCode, it.Error))
	}
	return out
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("pral: unexpected value %s", string(data))
	}
	*f = flexString(n.String())
	return nil
}

// Field names are matched case-insensitively by encoding/json, which absorbs
// the casing differences between sandbox and production responses.
type rawResponse struct {
	InvoiceNumber      flexString     `json:"invoiceNumber"`
	Dated              flexString     `json:"dated"`
	TransmissionID     flexString     `json:"transmissionId"`
	ValidationResponse *rawValidation `json:"validationResponse"`
}

type rawValidation struct {
	StatusCode      flexString      `json:"statusCode"`
	Status          flexString      `json:"status"`
	ErrorCode       flexString      `json:"errorCode"`
	Error           flexString      `json:"error"`
	InvoiceStatuses []rawItemStatus `json:"invoiceStatuses"`
}

type rawItemStatus struct {
	ItemSNo    flexString `json:"itemSNo"`
	StatusCode flexString `json:"statusCode"`
	Status     flexString `json:"status"`
	InvoiceNo  flexString `json:"invoiceNo"`
	ErrorCode  flexString `json:"errorCode"`
	Error      flexString `json:"error"`
}

// DecodeResponse validates and coerces a raw authority response.
func DecodeResponse(body []byte) (*WireResponse, error) {
	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.ValidationResponse == nil {
		return nil, fmt.Errorf("%w: validationResponse missing", ErrMalformedResponse)
	}
	v := raw.ValidationResponse
	code := normalizeStatusCode(string(v.StatusCode))
	if code == "" {
		return nil, fmt.Errorf("%w: statusCode missing", ErrMalformedResponse)
	}

	resp := &WireResponse{
		InvoiceNumber:  strings.TrimSpace(string(raw.InvoiceNumber)),
		Dated:          string(raw.Dated),
		TransmissionID: string(raw.TransmissionID),
		StatusCode:     code,
		Status:         string(v.Status),
		ErrorCode:      string(v.ErrorCode),
		Error:          string(v.Error),
	}
	for _, it := range v.InvoiceStatuses {
		resp.Items = append(resp.Items, ItemStatus{
			ItemSNo:    string(it.ItemSNo),
			StatusCode: normalizeStatusCode(string(it.StatusCode)),
			Status:     string(it.Status),
			InvoiceNo:  string(it.InvoiceNo),
			ErrorCode:  string(it.ErrorCode),
			Error:      string(it.Error),
		})
	}
	return resp, nil
}

// normalizeStatusCode pads numeric codes to the two-digit form ("0" -> "00").
func normalizeStatusCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if n, err := strconv.Atoi(code); err == nil && n >= 0 && n < 10 && len(code) < 2 {
		return "0" + code
	}
	return code
}
