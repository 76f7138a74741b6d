package pral

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponseAcceptsCasingAndNumericCodes(t *testing.T) {
	body := []byte(`{
		"InvoiceNumber": "7000007DI1747119701593",
		"Dated": "2025-05-13 12:01:41",
		"ValidationResponse": {
			"StatusCode": 0,
			"Status": "Valid",
			"InvoiceStatuses": [{"itemSNo": 1, "statusCode": "00", "status": "Valid", "invoiceNo": "7000007DI1747119701593-1"}]
		}
	}`)

	resp, err := DecodeResponse(body)
	require.NoError(t, err)
	require.True(t, resp.Success())
	require.Equal(t, "7000007DI1747119701593", resp.InvoiceNumber)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "1", resp.Items[0].ItemSNo)
	require.Empty(t, resp.ItemErrors())
}

func TestDecodeResponseRejection(t *testing.T) {
	body := []byte(`{"dated":"2025-05-13","validationResponse":{"statusCode":"01","status":"Invalid","errorCode":"0052","error":"Provide proper HS Code","invoiceStatuses":[{"itemSNo":"1","statusCode":"01","errorCode":"0052","error":"Provide proper HS Code"}]}}`)

	resp, err := DecodeResponse(body)
	require.NoError(t, err)
	require.False(t, resp.Success())
	require.Equal(t, "0052", resp.ErrorCode)
	require.Equal(t, []string{"item 1: [0052] Provide proper HS Code"}, resp.ItemErrors())
}

func TestDecodeResponseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":            `<html>gateway error</html>`,
		"missing validation":  `{"invoiceNumber":"X"}`,
		"missing status code": `{"validationResponse":{"status":"Valid"}}`,
		"object status code":  `{"validationResponse":{"statusCode":{"v":1}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(body))
			require.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestWireNumbersEncodeAsFixedJSONNumbers(t *testing.T) {
	item := WireItem{
		Quantity:              NewQuantity(decimal.RequireFromString("2.5")),
		ValueSalesExcludingST: NewAmount(decimal.RequireFromString("1000.004")),
	}
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"quantity":2.5000`)
	require.Contains(t, string(raw), `"valueSalesExcludingST":1000`)
	require.Contains(t, string(raw), `"discount":0`)
}
