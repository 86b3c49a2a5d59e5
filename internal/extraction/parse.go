package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// invoiceExtractPrompt is the shared prompt used by all LLM providers for
// extracting structured data from invoice documents.
const invoiceExtractPrompt = `You are analyzing an invoice for a software product or SaaS subscription. Carefully read all text in the image and extract the following information:

1. **Tool Name**: The name of the product or service being billed. Examples: "Notion", "ChatGPT Plus", "Figma", "AWS".

2. **Company Name**: The legal name of the vendor issuing the invoice, usually in the header or footer. Examples: "Notion Labs, Inc.", "OpenAI, LLC".

3. **Amount**: The final total or amount due, usually at the bottom, labeled "Total", "Amount Due" or similar. Extract only the numeric value (e.g. 42.75).

4. **Currency**: The ISO 4217 code of the billed currency (e.g. "EUR", "USD"). Infer it from the currency symbol if no code is printed.

5. **Invoice Date**: The invoice or billing date, converted to ISO 8601 format (YYYY-MM-DD).

6. **Billing Period**: The period the invoice covers, as printed (e.g. "Mar 1 - Mar 31, 2024", "monthly", "annual").

Return ONLY valid JSON in this exact format:
{
  "tool_name": "...",
  "company_name": "...",
  "amount": 0.00,
  "currency": "EUR",
  "invoice_date": "YYYY-MM-DD",
  "billing_period": "..."
}

Important:
- The amount must be a number (not a string)
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// parseInvoiceJSON parses the JSON response returned by an LLM provider.
func parseInvoiceJSON(text string) (*InvoiceData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Models occasionally wrap the JSON in prose; keep only the first
	// top-level object.
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data InvoiceData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.InvoiceDate = normalizeDate(data.InvoiceDate)

	data.Currency = strings.ToUpper(strings.TrimSpace(data.Currency))
	if data.Currency == "" {
		data.Currency = "EUR"
	}

	// Tool and company names are only trimmed, never case-folded:
	// duplicate fingerprinting uses them verbatim.
	data.ToolName = strings.TrimSpace(data.ToolName)
	data.CompanyName = strings.TrimSpace(data.CompanyName)
	data.BillingPeriod = strings.TrimSpace(data.BillingPeriod)

	return &data, nil
}

// normalizeDate coerces common date formats to YYYY-MM-DD. Anything
// unparseable becomes the empty string: the pipeline falls back to the
// upload month rather than inventing a date.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
		"January 2, 2006",
		"2 January 2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
