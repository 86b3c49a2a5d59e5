package invoice

import "time"

// Status is the lifecycle state of an invoice record.
type Status string

const (
	// StatusProcessing means the file is stored but extraction has not finished.
	StatusProcessing Status = "processing"
	// StatusCompleted means extraction and classification succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means extraction or classification failed; see ExtractionError.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further pipeline transition may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentStatus tracks whether an invoice has been settled.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentOverdue PaymentStatus = "overdue"
)

// Invoice represents one uploaded invoice document and its extracted data.
type Invoice struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	FileName      string `json:"file_name"`
	MIMEType      string `json:"mime_type"`
	StoragePath   string `json:"storage_path"`
	FileURL       string `json:"file_url"`
	FileSizeBytes int64  `json:"file_size_bytes"`

	// Extracted fields, zero-valued until extraction completes.
	ToolName         string     `json:"tool_name,omitempty"`
	CompanyName      string     `json:"company_name,omitempty"`
	AmountMinorUnits int64      `json:"amount_minor_units"` // smallest currency unit, no floats
	Currency         string     `json:"currency"`
	InvoiceDate      *time.Time `json:"invoice_date,omitempty"`
	BillingPeriod    string     `json:"billing_period,omitempty"`

	// Month is always set: derived from InvoiceDate once extracted,
	// otherwise from the upload time.
	Month         string        `json:"month"` // YYYY-MM
	ProjectID     string        `json:"project_id,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`

	Fingerprint      string `json:"fingerprint,omitempty"`
	IsDuplicate      bool   `json:"is_duplicate"`
	DuplicateOfID    string `json:"duplicate_of_id,omitempty"`
	RecurringGroupID string `json:"recurring_group_id,omitempty"`
	IsRecurring      bool   `json:"is_recurring"`

	Status          Status    `json:"status"`
	ExtractionError string    `json:"extraction_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MonthOf formats a time as the YYYY-MM bucket invoices are grouped by.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
