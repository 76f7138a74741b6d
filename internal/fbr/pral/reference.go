package pral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ReferenceKind names a public lookup endpoint.
type ReferenceKind string

const (
	KindProvinces      ReferenceKind = "provinces"
	KindItemDescCodes  ReferenceKind = "itemdesccode"
	KindUnits          ReferenceKind = "uom"
	KindHSUnits        ReferenceKind = "hs_uom"
	KindSaleTypeToRate ReferenceKind = "sale_type_rate"
	KindSROSchedule    ReferenceKind = "sro_schedule"
)

var referencePaths = map[ReferenceKind]string{
	KindProvinces:      "/pdi/v1/provinces",
	KindItemDescCodes:  "/pdi/v1/itemdesccode",
	KindUnits:          "/pdi/v1/uom",
	KindHSUnits:        "/pdi/v2/HS_UOM",
	KindSaleTypeToRate: "/pdi/v2/SaleTypeToRate",
	KindSROSchedule:    "/pdi/v1/SroSchedule",
}

// ReferenceKinds lists every supported lookup in a stable order.
func ReferenceKinds() []ReferenceKind {
	return []ReferenceKind{KindProvinces, KindItemDescCodes, KindUnits, KindHSUnits, KindSaleTypeToRate, KindSROSchedule}
}

// ParseReferenceKind validates a kind received from callers.
func ParseReferenceKind(raw string) (ReferenceKind, error) {
	kind := ReferenceKind(raw)
	if _, ok := referencePaths[kind]; !ok {
		return "", fmt.Errorf("pral: unknown reference kind %q", raw)
	}
	return kind, nil
}

// GetReferenceData fetches a public lookup list. No authentication is sent.
func (c *Client) GetReferenceData(ctx context.Context, kind ReferenceKind, params url.Values) ([]json.RawMessage, error) {
	path, ok := referencePaths[kind]
	if !ok {
		return nil, fmt.Errorf("pral: unknown reference kind %q", kind)
	}
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("pral: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: reference %s: %v", ErrMalformedResponse, kind, err)
	}
	return items, nil
}
