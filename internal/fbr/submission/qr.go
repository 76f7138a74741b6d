package submission

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
)

const qrSize = 256

// QRContent is the text encoded in the verification QR printed on invoices.
func QRContent(irn string, inv *pral.WireInvoice) string {
	total := decimal.Zero
	for _, it := range inv.Items {
		total = total.Add(it.TotalValues.Decimal)
	}
	fields := []string{
		"IRN:" + irn,
		"SellerNTN:" + inv.SellerNTNCNIC,
		"Date:" + inv.InvoiceDate,
		"Total:" + total.StringFixed(2),
	}
	if inv.BuyerNTNCNIC != "" {
		fields = append(fields, "BuyerNTN:"+inv.BuyerNTNCNIC)
	}
	return strings.Join(fields, "|")
}

// GenerateQR renders the verification QR as PNG.
func GenerateQR(irn string, inv *pral.WireInvoice) ([]byte, error) {
	if irn == "" {
		return nil, fmt.Errorf("submission: qr requires an IRN")
	}
	png, err := qrcode.Encode(QRContent(irn, inv), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("submission: encode qr: %w", err)
	}
	return png, nil
}
