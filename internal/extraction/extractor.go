package extraction

import (
	"github.com/shopspring/decimal"
)

// InvoiceData contains the structured fields extracted from an invoice
// document. Field values are best effort: anything the model could not
// find is left zero-valued.
type InvoiceData struct {
	ToolName      string          `json:"tool_name"`
	CompanyName   string          `json:"company_name"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	InvoiceDate   string          `json:"invoice_date"`   // YYYY-MM-DD, empty when absent
	BillingPeriod string          `json:"billing_period"` // free text, e.g. "monthly"
}

// zeroDecimalCurrencies have no minor unit; their amounts are already
// expressed in the smallest denomination.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true,
}

// AmountMinorUnits converts the extracted decimal amount to the
// currency's smallest unit (cents for EUR/USD, whole yen for JPY).
func (d *InvoiceData) AmountMinorUnits() int64 {
	exp := int32(2)
	if zeroDecimalCurrencies[d.Currency] {
		exp = 0
	}
	return d.Amount.Shift(exp).Round(0).IntPart()
}

// Extractor defines the interface for invoice data extraction.
type Extractor interface {
	// ExtractInvoice analyzes an invoice image/PDF and extracts structured fields.
	ExtractInvoice(documentData []byte, contentType string) (*InvoiceData, error)
	// Close closes the extractor and releases resources.
	Close() error
}
