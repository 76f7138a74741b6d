package pral

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/taxlink-pk/taxlink/internal/fbr"
)

func sampleInvoice() *WireInvoice {
	return &WireInvoice{
		InvoiceType:           InvoiceTypeSale,
		InvoiceDate:           "2025-04-21",
		SellerNTNCNIC:         "1234567",
		SellerBusinessName:    "Indus Traders",
		SellerProvince:        "Sindh",
		SellerAddress:         "Karachi",
		BuyerBusinessName:     "Walk-in",
		BuyerProvince:         "Sindh",
		BuyerRegistrationType: BuyerUnregistered,
		Items: []WireItem{{
			HSCode:                "0101.2100",
			ProductDescription:    "Widget",
			Rate:                  "18%",
			UoM:                   "Numbers, pieces, units",
			Quantity:              NewQuantity(decimal.NewFromInt(1)),
			ValueSalesExcludingST: NewAmount(decimal.NewFromInt(1000)),
			SalesTaxApplicable:    NewAmount(decimal.NewFromInt(180)),
			SaleType:              "Goods at standard rate (default)",
		}},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, env fbr.Environment, token string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:     srv.URL,
		Environment: env,
		Token:       token,
		Timeout:     200 * time.Millisecond,
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	return client
}

func TestSubmitInvoiceProductionPostsWithBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"invoiceNumber":"7000007DI1747119701593","dated":"2025-05-13 12:01:41","validationResponse":{"statusCode":"00","status":"Valid"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, fbr.Production, "secret-token")
	resp, err := client.SubmitInvoice(context.Background(), sampleInvoice())
	require.NoError(t, err)
	require.True(t, resp.Success())
	require.Equal(t, "7000007DI1747119701593", resp.InvoiceNumber)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.Equal(t, pathSubmitProduction, gotPath)

	items := gotBody["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "18%", items[0].(map[string]any)["rate"])
}

func TestSubmitInvoiceSandboxPreValidationFailureIsNotFatal(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == pathValidateSandbox {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"invoiceNumber":"SB-1","dated":"2025-05-13","validationResponse":{"statusCode":"00"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, fbr.Sandbox, "sandbox-token")
	resp, err := client.SubmitInvoice(context.Background(), sampleInvoice())
	require.NoError(t, err)
	require.Equal(t, "SB-1", resp.InvoiceNumber)
	require.Equal(t, []string{pathValidateSandbox, pathSubmitSandbox}, paths)
}

func TestSubmitInvoiceNon2xxReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"token expired"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, fbr.Production, "stale")
	_, err := client.SubmitInvoice(context.Background(), sampleInvoice())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "token expired")
}

func TestSubmitInvoiceTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(t, srv, fbr.Production, "token")
	_, err := client.SubmitInvoice(context.Background(), sampleInvoice())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Timeout"))
}

func TestSubmitInvoiceRequiresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	}))
	defer srv.Close()

	client := newTestClient(t, srv, fbr.Production, "")
	_, err := client.SubmitInvoice(context.Background(), sampleInvoice())
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestSubmitInvoiceSuccessWithoutIRNIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"validationResponse":{"statusCode":"00"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, fbr.Production, "token")
	_, err := client.SubmitInvoice(context.Background(), sampleInvoice())
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestGetReferenceDataSendsNoAuth(t *testing.T) {
	var gotAuth, gotQuery, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `[{"uoM_ID":77,"description":"Square Metre"}]`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, fbr.Sandbox, "token")
	items, err := client.GetReferenceData(context.Background(), KindHSUnits, url.Values{"hs_code": {"5904.9000"}, "annexure_id": {"3"}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Empty(t, gotAuth)
	require.Equal(t, "/pdi/v2/HS_UOM", gotPath)
	require.Equal(t, "annexure_id=3&hs_code=5904.9000", gotQuery)
}

func TestParseReferenceKind(t *testing.T) {
	kind, err := ParseReferenceKind("uom")
	require.NoError(t, err)
	require.Equal(t, KindUnits, kind)

	_, err = ParseReferenceKind("currencies")
	require.Error(t, err)
}
