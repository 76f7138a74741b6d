package pral

import (
	"github.com/shopspring/decimal"
)

// Invoice types accepted by the authority.
const (
	InvoiceTypeSale      = "Sale Invoice"
	InvoiceTypeDebitNote = "Debit Note"
)

// Buyer registration types.
const (
	BuyerRegistered   = "Registered"
	BuyerUnregistered = "Unregistered"
)

// WireInvoice is the request body of the invoice submission endpoints.
type WireInvoice struct {
	InvoiceType           string     `json:"invoiceType" validate:"required,oneof='Sale Invoice' 'Debit Note'"`
	InvoiceDate           string     `json:"invoiceDate" validate:"required,datetime=2006-01-02"`
	SellerNTNCNIC         string     `json:"sellerNTNCNIC" validate:"required,numeric,len=7|len=13"`
	SellerBusinessName    string     `json:"sellerBusinessName" validate:"required"`
	SellerProvince        string     `json:"sellerProvince" validate:"required"`
	SellerAddress         string     `json:"sellerAddress" validate:"required"`
	BuyerNTNCNIC          string     `json:"buyerNTNCNIC"`
	BuyerBusinessName     string     `json:"buyerBusinessName" validate:"required"`
	BuyerProvince         string     `json:"buyerProvince" validate:"required"`
	BuyerAddress          string     `json:"buyerAddress"`
	BuyerRegistrationType string     `json:"buyerRegistrationType" validate:"required,oneof=Registered Unregistered"`
	InvoiceRefNo          string     `json:"invoiceRefNo"`
	ScenarioID            string     `json:"scenarioId,omitempty"`
	Items                 []WireItem `json:"items" validate:"required,min=1,dive"`
}

// WireItem is a single line of a WireInvoice.
type WireItem struct {
	HSCode                          string   `json:"hsCode" validate:"required"`
	ProductDescription              string   `json:"productDescription" validate:"required"`
	Rate                            string   `json:"rate" validate:"required"`
	UoM                             string   `json:"uoM" validate:"required"`
	Quantity                        Quantity `json:"quantity"`
	TotalValues                     Amount   `json:"totalValues"`
	ValueSalesExcludingST           Amount   `json:"valueSalesExcludingST"`
	FixedNotifiedValueOrRetailPrice Amount   `json:"fixedNotifiedValueOrRetailPrice"`
	SalesTaxApplicable              Amount   `json:"salesTaxApplicable"`
	SalesTaxWithheldAtSource        Amount   `json:"salesTaxWithheldAtSource"`
	ExtraTax                        Amount   `json:"extraTax"`
	FurtherTax                      Amount   `json:"furtherTax"`
	SROScheduleNo                   string   `json:"sroScheduleNo"`
	FEDPayable                      Amount   `json:"fedPayable"`
	Discount                        Amount   `json:"discount"`
	SaleType                        string   `json:"saleType" validate:"required"`
	SROItemSerialNo                 string   `json:"sroItemSerialNo"`
}

// Amount is a monetary value encoded as a JSON number with at most two decimals.
type Amount struct {
	decimal.Decimal
}

// NewAmount rounds d to two decimals.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d.Round(2)}
}

// MarshalJSON writes the amount as an unquoted number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Round(2).String()), nil
}

// Quantity is encoded as a JSON number with exactly four decimals.
type Quantity struct {
	decimal.Decimal
}

// NewQuantity rounds d to four decimals.
func NewQuantity(d decimal.Decimal) Quantity {
	return Quantity{Decimal: d.Round(4)}
}

// MarshalJSON writes the quantity as an unquoted number with four decimals.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.StringFixed(4)), nil
}
