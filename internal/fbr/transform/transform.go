// Package transform turns stored invoices into the PRAL wire payload.
package transform

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

// Defaults applied when an item carries no HS code or unit of measure.
const (
	DefaultHSCode = "9999.9999"
	DefaultUoM    = "Numbers, pieces, units"
)

const walkInBuyer = "Walk-in Customer"

var hundred = decimal.NewFromInt(100)

// Transformer converts invoice bundles. It holds no mutable state and is safe
// for concurrent use.
type Transformer struct {
	defaultHSCode string
	defaultUoM    string
	validate      *validator.Validate
}

// Option customises a Transformer.
type Option func(*Transformer)

// WithDefaultHSCode overrides the HS code used for items without one.
func WithDefaultHSCode(code string) Option {
	return func(t *Transformer) {
		if strings.TrimSpace(code) != "" {
			t.defaultHSCode = strings.TrimSpace(code)
		}
	}
}

// WithDefaultUoM overrides the unit of measure used for items without one.
func WithDefaultUoM(uom string) Option {
	return func(t *Transformer) {
		if strings.TrimSpace(uom) != "" {
			t.defaultUoM = strings.TrimSpace(uom)
		}
	}
}

// New constructs a Transformer.
func New(opts ...Option) *Transformer {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	t := &Transformer{
		defaultHSCode: DefaultHSCode,
		defaultUoM:    DefaultUoM,
		validate:      v,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform builds the wire invoice for b. Every problem found is reported in
// a single *fbr.FormatError.
func (t *Transformer) Transform(b invoicing.Bundle) (*pral.WireInvoice, error) {
	var problems []string
	if len(b.Items) == 0 {
		problems = append(problems, "invoice has no items")
	}
	if b.Invoice.Date.IsZero() {
		problems = append(problems, "invoice date missing")
	}

	out := &pral.WireInvoice{
		InvoiceType:        pral.InvoiceTypeSale,
		InvoiceDate:        b.Invoice.Date.Format("2006-01-02"),
		SellerNTNCNIC:      digitsOnly(b.Business.NTN),
		SellerBusinessName: strings.TrimSpace(b.Business.Name),
		SellerProvince:     t.province(b.Business.Province),
		SellerAddress:      strings.TrimSpace(b.Business.Address),
		ScenarioID:         strings.TrimSpace(b.Invoice.ScenarioID),
	}
	if b.Invoice.DocumentType == invoicing.DocumentDebitNote {
		out.InvoiceType = pral.InvoiceTypeDebitNote
		out.InvoiceRefNo = strings.TrimSpace(b.Invoice.ReferenceIRN)
		if out.InvoiceRefNo == "" {
			problems = append(problems, "invoiceRefNo: debit note requires the original IRN")
		}
	} else {
		out.InvoiceRefNo = strings.TrimSpace(b.Invoice.Number)
	}

	t.applyBuyer(out, b)

	out.Items = make([]pral.WireItem, 0, len(b.Items))
	for i, item := range b.Items {
		wire, itemProblems := t.item(item)
		for _, p := range itemProblems {
			problems = append(problems, fmt.Sprintf("items[%d].%s", i, p))
		}
		out.Items = append(out.Items, wire)
	}

	problems = append(problems, t.check(out)...)
	if len(problems) > 0 {
		return nil, &fbr.FormatError{Problems: dedupe(problems)}
	}
	return out, nil
}

func (t *Transformer) applyBuyer(out *pral.WireInvoice, b invoicing.Bundle) {
	c := b.Customer
	buyerID := firstNonEmpty(digitsOnly(b.Invoice.BuyerNTNOverride), digitsOnly(c.NTN), digitsOnly(c.CNIC))
	if buyerID == "" {
		buyerID = strings.TrimSpace(c.Passport)
	}
	out.BuyerNTNCNIC = buyerID
	out.BuyerBusinessName = strings.TrimSpace(c.Name)
	if out.BuyerBusinessName == "" {
		out.BuyerBusinessName = walkInBuyer
	}
	out.BuyerAddress = strings.TrimSpace(c.Address)
	out.BuyerProvince = t.province(c.Province)
	if out.BuyerProvince == "" {
		out.BuyerProvince = out.SellerProvince
	}
	out.BuyerRegistrationType = pral.BuyerUnregistered
	if buyerID != "" && c.Registered {
		out.BuyerRegistrationType = pral.BuyerRegistered
	}
}

func (t *Transformer) item(it invoicing.InvoiceItem) (pral.WireItem, []string) {
	var problems []string
	qty := decimal.NewFromFloat(it.Quantity)
	price := decimal.NewFromFloat(it.UnitPrice)
	rate := decimal.NewFromFloat(it.TaxRate)

	if !qty.IsPositive() {
		problems = append(problems, "quantity: must be positive")
	}
	if price.IsNegative() {
		problems = append(problems, "unitPrice: must not be negative")
	}
	if rate.IsNegative() {
		problems = append(problems, "rate: must not be negative")
	}

	valueExcl := decimal.NewFromFloat(it.ValueExcludingST)
	if valueExcl.IsZero() {
		valueExcl = qty.Mul(price)
	}
	valueExcl = valueExcl.Round(2)

	salesTax := decimal.NewFromFloat(it.SalesTax)
	if salesTax.IsZero() {
		salesTax = valueExcl.Mul(rate).Div(hundred)
	}
	salesTax = salesTax.Round(2)

	extra := decimal.NewFromFloat(it.ExtraTax).Round(2)
	further := decimal.NewFromFloat(it.FurtherTax).Round(2)
	fed := decimal.NewFromFloat(it.FEDPayable).Round(2)
	discount := decimal.NewFromFloat(it.Discount).Round(2)
	total := valueExcl.Add(salesTax).Add(extra).Add(further).Add(fed).Sub(discount)

	hsCode := strings.TrimSpace(it.HSCode)
	if hsCode == "" {
		hsCode = t.defaultHSCode
	}
	uom := strings.TrimSpace(it.UnitOfMeasure)
	if uom == "" {
		uom = t.defaultUoM
	}
	description := strings.TrimSpace(it.Description)
	// The sale type follows the rate as printed on the invoice.
	displayRate := rate.Round(0)

	return pral.WireItem{
		HSCode:                          hsCode,
		ProductDescription:              description,
		Rate:                            FormatRate(displayRate),
		UoM:                             uom,
		Quantity:                        pral.NewQuantity(qty),
		TotalValues:                     pral.NewAmount(total),
		ValueSalesExcludingST:           pral.NewAmount(valueExcl),
		FixedNotifiedValueOrRetailPrice: pral.NewAmount(decimal.NewFromFloat(it.FixedNotifiedValue)),
		SalesTaxApplicable:              pral.NewAmount(salesTax),
		SalesTaxWithheldAtSource:        pral.NewAmount(decimal.NewFromFloat(it.WithheldTax)),
		ExtraTax:                        pral.NewAmount(extra),
		FurtherTax:                      pral.NewAmount(further),
		SROScheduleNo:                   strings.TrimSpace(it.SROScheduleNo),
		FEDPayable:                      pral.NewAmount(fed),
		Discount:                        pral.NewAmount(discount),
		SaleType:                        SaleTypePhrase(it.SaleType, displayRate),
		SROItemSerialNo:                 strings.TrimSpace(it.SROItemSerialNo),
	}, problems
}

func (t *Transformer) check(out *pral.WireInvoice) []string {
	err := t.validate.Struct(out)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "WireInvoice.")
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		problems = append(problems, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
	return problems
}

func (t *Transformer) province(raw string) string {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return ""
	}
	// Casers carry state and are not shared across goroutines.
	return cases.Title(language.English).String(strings.ToLower(raw))
}

// FormatRate renders a percentage as "<int>%", rounding half up.
func FormatRate(rate decimal.Decimal) string {
	return rate.Round(0).String() + "%"
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
