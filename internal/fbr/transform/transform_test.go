package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

func baseBundle() invoicing.Bundle {
	return invoicing.Bundle{
		Invoice: invoicing.Invoice{
			ID:           42,
			BusinessID:   7,
			Number:       "INV-0042",
			DocumentType: invoicing.DocumentSaleInvoice,
			Date:         time.Date(2025, 4, 21, 15, 30, 0, 0, time.UTC),
		},
		Items: []invoicing.InvoiceItem{{
			Description:   "Widget",
			HSCode:        "0101.2100",
			UnitOfMeasure: "Numbers, pieces, units",
			Quantity:      1,
			UnitPrice:     1000,
			TaxRate:       18,
		}},
		Business: invoicing.Business{
			ID:       7,
			Name:     "Indus Traders",
			NTN:      "1234567",
			Address:  "Plot 4, Korangi, Karachi",
			Province: "SINDH",
		},
		Customer: invoicing.Customer{
			Name:       "Ravi Textiles",
			NTN:        "7654321",
			Province:   "punjab",
			Registered: true,
		},
	}
}

func TestTransformStandardRateItem(t *testing.T) {
	out, err := New().Transform(baseBundle())
	require.NoError(t, err)

	require.Equal(t, pral.InvoiceTypeSale, out.InvoiceType)
	require.Equal(t, "2025-04-21", out.InvoiceDate)
	require.Equal(t, "Sindh", out.SellerProvince)
	require.Equal(t, "Punjab", out.BuyerProvince)
	require.Equal(t, pral.BuyerRegistered, out.BuyerRegistrationType)
	require.Equal(t, "7654321", out.BuyerNTNCNIC)
	require.Equal(t, "INV-0042", out.InvoiceRefNo)

	require.Len(t, out.Items, 1)
	item := out.Items[0]
	require.Equal(t, "18%", item.Rate)
	require.Equal(t, SaleTypeStandard, item.SaleType)
	require.True(t, item.ValueSalesExcludingST.Equal(decimal.NewFromInt(1000)))
	require.True(t, item.SalesTaxApplicable.Equal(decimal.NewFromInt(180)))
	require.True(t, item.TotalValues.Equal(decimal.NewFromInt(1180)))

	raw, err := json.Marshal(item)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"quantity":1.0000`)
}

func TestTransformSaleTypeFallsBackOnRate(t *testing.T) {
	cases := []struct {
		rate    float64
		printed string
		want    string
	}{
		{rate: 0, printed: "0%", want: SaleTypeZero},
		{rate: 0.4, printed: "0%", want: SaleTypeZero},
		{rate: 10, printed: "10%", want: SaleTypeReduced},
		{rate: 17.4, printed: "17%", want: SaleTypeReduced},
		{rate: 17.6, printed: "18%", want: SaleTypeStandard},
		{rate: 18, printed: "18%", want: SaleTypeStandard},
		{rate: 25, printed: "25%", want: SaleTypeStandard},
	}
	for _, tc := range cases {
		b := baseBundle()
		b.Items[0].TaxRate = tc.rate
		b.Items[0].SaleType = "something_new"
		out, err := New().Transform(b)
		require.NoError(t, err)
		require.Equal(t, tc.printed, out.Items[0].Rate, "rate %v", tc.rate)
		require.Equal(t, tc.want, out.Items[0].SaleType, "rate %v", tc.rate)
	}
}

func TestTransformKnownSaleTypeWins(t *testing.T) {
	b := baseBundle()
	b.Items[0].SaleType = "third_schedule"
	b.Items[0].TaxRate = 0
	out, err := New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, "3rd Schedule Goods", out.Items[0].SaleType)

	require.Equal(t, "Exempt goods", SaleTypePhrase("Exempt Goods", decimal.Zero))
}

func TestTransformRateRoundsHalfUp(t *testing.T) {
	require.Equal(t, "18%", FormatRate(decimal.RequireFromString("17.5")))
	require.Equal(t, "17%", FormatRate(decimal.RequireFromString("17.4")))
	require.Equal(t, "0%", FormatRate(decimal.Zero))
}

func TestTransformStoredValuesTakePrecedence(t *testing.T) {
	b := baseBundle()
	b.Items[0].Quantity = 3
	b.Items[0].UnitPrice = 33.333
	b.Items[0].ValueExcludingST = 100
	b.Items[0].SalesTax = 17
	b.Items[0].FurtherTax = 3
	b.Items[0].Discount = 5
	out, err := New().Transform(b)
	require.NoError(t, err)

	item := out.Items[0]
	require.True(t, item.ValueSalesExcludingST.Equal(decimal.NewFromInt(100)))
	require.True(t, item.SalesTaxApplicable.Equal(decimal.NewFromInt(17)))
	require.True(t, item.TotalValues.Equal(decimal.NewFromInt(115)))
}

func TestTransformComputesMoneyToTwoDecimals(t *testing.T) {
	b := baseBundle()
	b.Items[0].Quantity = 2.5
	b.Items[0].UnitPrice = 19.99
	b.Items[0].TaxRate = 17
	out, err := New().Transform(b)
	require.NoError(t, err)

	item := out.Items[0]
	require.Equal(t, "49.98", item.ValueSalesExcludingST.StringFixed(2))
	require.Equal(t, "8.50", item.SalesTaxApplicable.StringFixed(2))
	require.Equal(t, "2.5000", item.Quantity.StringFixed(4))
}

func TestTransformBuyerIdentifierPrecedence(t *testing.T) {
	b := baseBundle()
	b.Customer.CNIC = "42101-1234567-1"
	b.Customer.Passport = "AB123456"

	b.Invoice.BuyerNTNOverride = "999-8887"
	out, err := New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, "9998887", out.BuyerNTNCNIC)

	b.Invoice.BuyerNTNOverride = ""
	b.Customer.NTN = ""
	out, err = New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, "4210112345671", out.BuyerNTNCNIC)

	b.Customer.NTN = "N/A"
	out, err = New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, "4210112345671", out.BuyerNTNCNIC)

	b.Customer.NTN = ""
	b.Customer.CNIC = ""
	out, err = New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, "AB123456", out.BuyerNTNCNIC)

	b.Customer.Passport = ""
	b.Customer.Province = ""
	b.Customer.Name = ""
	out, err = New().Transform(b)
	require.NoError(t, err)
	require.Empty(t, out.BuyerNTNCNIC)
	require.Equal(t, pral.BuyerUnregistered, out.BuyerRegistrationType)
	require.Equal(t, "Sindh", out.BuyerProvince)
	require.Equal(t, walkInBuyer, out.BuyerBusinessName)
}

func TestTransformAppliesConfiguredDefaults(t *testing.T) {
	b := baseBundle()
	b.Items[0].HSCode = ""
	b.Items[0].UnitOfMeasure = " "

	out, err := New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, DefaultHSCode, out.Items[0].HSCode)
	require.Equal(t, DefaultUoM, out.Items[0].UoM)

	out, err = New(WithDefaultHSCode("8471.3010"), WithDefaultUoM("KG")).Transform(b)
	require.NoError(t, err)
	require.Equal(t, "8471.3010", out.Items[0].HSCode)
	require.Equal(t, "KG", out.Items[0].UoM)
}

func TestTransformDebitNote(t *testing.T) {
	b := baseBundle()
	b.Invoice.DocumentType = invoicing.DocumentDebitNote
	_, err := New().Transform(b)
	var formatErr *fbr.FormatError
	require.ErrorAs(t, err, &formatErr)
	require.Contains(t, formatErr.Problems, "invoiceRefNo: debit note requires the original IRN")

	b.Invoice.ReferenceIRN = "7000007DI1747119701593"
	out, err := New().Transform(b)
	require.NoError(t, err)
	require.Equal(t, pral.InvoiceTypeDebitNote, out.InvoiceType)
	require.Equal(t, "7000007DI1747119701593", out.InvoiceRefNo)
}

func TestTransformReportsEveryProblem(t *testing.T) {
	b := baseBundle()
	b.Business.NTN = "12"
	b.Business.Address = ""
	b.Items[0].Quantity = 0
	b.Items[0].Description = ""

	_, err := New().Transform(b)
	var formatErr *fbr.FormatError
	require.ErrorAs(t, err, &formatErr)
	require.False(t, formatErr.Retryable())
	require.Equal(t, fbr.CodeFormat, formatErr.Code())
	require.Contains(t, formatErr.Problems, "items[0].quantity: must be positive")
	require.Contains(t, formatErr.Problems, "items[0].productDescription: failed required")
	require.Contains(t, formatErr.Problems, "sellerAddress: failed required")
	require.GreaterOrEqual(t, len(formatErr.Problems), 4)
}

func TestTransformRejectsEmptyInvoice(t *testing.T) {
	b := baseBundle()
	b.Items = nil
	_, err := New().Transform(b)
	var formatErr *fbr.FormatError
	require.ErrorAs(t, err, &formatErr)
	require.Contains(t, formatErr.Problems, "invoice has no items")
}

func TestTransformIsDeterministic(t *testing.T) {
	tr := New()
	first, err := tr.Transform(baseBundle())
	require.NoError(t, err)
	second, err := tr.Transform(baseBundle())
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	require.JSONEq(t, string(a), string(b))
}
