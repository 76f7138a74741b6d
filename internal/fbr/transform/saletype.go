package transform

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Sale type phrases as listed by the SaleTypeToRate reference endpoint.
const (
	SaleTypeStandard = "Goods at standard rate (default)"
	SaleTypeReduced  = "Goods at Reduced Rate"
	SaleTypeZero     = "Goods at zero-rate"
)

var saleTypePhrases = map[string]string{
	"standard":           SaleTypeStandard,
	"reduced":            SaleTypeReduced,
	"zero_rated":         SaleTypeZero,
	"exempt":             "Exempt goods",
	"third_schedule":     "3rd Schedule Goods",
	"services":           "Services",
	"services_fed":       "Services (FED in ST Mode)",
	"goods_fed":          "Goods (FED in ST Mode)",
	"processing":         "Processing/Conversion of Goods",
	"petroleum":          "Petroleum Products",
	"electricity_retail": "Electricity Supply to Retailers",
	"telecom":            "Telecommunication services",
	"steel":              "Steel melting and re-rolling",
	"cotton_ginners":     "Cotton ginners",
	"mobile_phones":      "Mobile Phones",
	"dtre":               "DTRE goods",
}

var standardRate = decimal.NewFromInt(18)

// SaleTypePhrase resolves the authority phrase for an internal sale type code.
// Unknown or empty codes fall back to a phrase derived from the tax rate.
func SaleTypePhrase(code string, rate decimal.Decimal) string {
	key := strings.ToLower(strings.TrimSpace(code))
	if phrase, ok := saleTypePhrases[key]; ok {
		return phrase
	}
	// Already an authority phrase.
	for _, phrase := range saleTypePhrases {
		if strings.EqualFold(phrase, strings.TrimSpace(code)) {
			return phrase
		}
	}
	switch {
	case rate.IsZero():
		return SaleTypeZero
	case rate.LessThan(standardRate):
		return SaleTypeReduced
	default:
		return SaleTypeStandard
	}
}
