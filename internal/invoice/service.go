package invoice

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyform/invoice-tracker/internal/extraction"
)

// IDGenerator generates unique IDs for invoices.
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

// Dispatcher schedules the asynchronous half of the ingestion pipeline.
// Implementations must eventually run every dispatched task exactly once.
type Dispatcher interface {
	Dispatch(fn func())
}

// defaultIDGenerator generates UUIDs.
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.New().String()
}

// defaultTimeSource provides the current time.
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// GoDispatcher runs tasks on goroutines and tracks them so shutdown can
// wait for in-flight extractions.
type GoDispatcher struct {
	wg sync.WaitGroup
}

// Dispatch starts the task on its own goroutine.
func (d *GoDispatcher) Dispatch(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Wait blocks until all dispatched tasks have finished.
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}

// supportedMIMETypes is the upload allow-list: PDFs and common raster
// image types. Anything else is rejected before touching storage.
var supportedMIMETypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/heic":      true,
	"image/heif":      true,
}

// Service runs the invoice ingestion pipeline.
type Service struct {
	db          DB
	extractor   extraction.Extractor
	storage     Storage
	dispatcher  Dispatcher
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a Service with default ID generator, time source
// and goroutine dispatcher.
func NewService(db DB, extractor extraction.Extractor, storage Storage) *Service {
	return NewServiceWithDeps(db, extractor, storage, &GoDispatcher{}, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDispatcher creates a Service with a caller-owned
// dispatcher, so main can wait for in-flight extractions on shutdown.
func NewServiceWithDispatcher(db DB, extractor extraction.Extractor, storage Storage, dispatcher Dispatcher) *Service {
	return NewServiceWithDeps(db, extractor, storage, dispatcher, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing.
func NewServiceWithDeps(db DB, extractor extraction.Extractor, storage Storage, dispatcher Dispatcher, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		extractor:   extractor,
		storage:     storage,
		dispatcher:  dispatcher,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	fileNameSpecials   = regexp.MustCompile(`[^a-zA-Z0-9\s\-_.]`)
	fileNameWhitespace = regexp.MustCompile(`\s+`)
)

// sanitizeFileName strips special characters and truncates overlong
// phone-generated names before the name becomes part of a storage path.
func sanitizeFileName(fileName string) string {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(filepath.Base(fileName), ext)

	base = fileNameSpecials.ReplaceAllString(base, "")
	base = fileNameWhitespace.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// Ingest accepts an uploaded invoice file, stores it and creates the
// record in processing state. The returned invoice is durable before
// extraction begins: extraction and classification run in the
// background and the caller observes the outcome by re-fetching the
// record. Synchronous failures (unsupported type, storage write) leave
// no partial state behind.
func (s *Service) Ingest(ownerID, fileName string, data []byte, declaredMIMEType string) (*Invoice, error) {
	mimeType := strings.ToLower(strings.TrimSpace(declaredMIMEType))
	if !supportedMIMETypes[mimeType] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, declaredMIMEType)
	}

	now := s.timeSource.Now()
	id := s.idGenerator.Generate()

	path := fmt.Sprintf("%s/%d_%s", ownerID, now.UnixNano(), sanitizeFileName(fileName))
	fileURL, storedPath, err := s.storage.Put(path, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	inv := &Invoice{
		ID:            id,
		OwnerID:       ownerID,
		FileName:      fileName,
		MIMEType:      mimeType,
		StoragePath:   storedPath,
		FileURL:       fileURL,
		FileSizeBytes: int64(len(data)),

		// Placeholders until extraction completes.
		AmountMinorUnits: 0,
		Currency:         "EUR",
		Month:            MonthOf(now),

		PaymentStatus: PaymentPending,
		Status:        StatusProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.db.SaveInvoice(inv); err != nil {
		// The record never existed; remove the orphaned file.
		if delErr := s.storage.Delete(storedPath); delErr != nil {
			slog.Warn("Failed to clean up stored file", "path", storedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving invoice: %w", err)
	}

	s.dispatcher.Dispatch(func() {
		s.process(id, ownerID, data, mimeType)
	})

	return inv, nil
}

// process is the asynchronous step: extract, then reconcile or fail.
// Every dispatched task ends with the record in exactly one terminal
// state; errors are recorded on the invoice, never returned upstream.
func (s *Service) process(id, ownerID string, data []byte, mimeType string) {
	extracted, err := s.extractor.ExtractInvoice(data, mimeType)
	if err != nil {
		slog.Error("Invoice extraction failed", "invoice_id", id, "error", err)
		s.markFailed(id, fmt.Sprintf("%v: %v", ErrExtractionFailed, err))
		return
	}

	if err := s.reconcile(id, ownerID, extracted); err != nil {
		slog.Error("Invoice reconciliation failed", "invoice_id", id, "error", err)
		s.markFailed(id, err.Error())
	}
}

// reconcile merges extraction results into the provisional record and
// computes duplicate/recurrence classification.
func (s *Service) reconcile(id, ownerID string, extracted *extraction.InvoiceData) error {
	var invoiceDate *time.Time
	if extracted.InvoiceDate != "" {
		if d, err := time.Parse("2006-01-02", extracted.InvoiceDate); err == nil {
			invoiceDate = &d
		}
	}

	amount := extracted.AmountMinorUnits()
	fingerprint := Fingerprint(extracted.ToolName, extracted.CompanyName, amount, invoiceDate)

	// The claim is atomic in the store, so two concurrent uploads of the
	// same invoice resolve to a single canonical record; the first
	// claimant is always the earliest and never a duplicate itself,
	// which keeps duplicate chains one level deep.
	canonicalID, err := s.db.ClaimFingerprint(ownerID, fingerprint, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	isDuplicate := canonicalID != id

	groupID := RecurrenceKey(extracted.ToolName, extracted.CompanyName)
	seenBefore, err := s.db.ClaimRecurringGroup(ownerID, groupID, id)
	if err != nil {
		s.releaseClaims(ownerID, id, fingerprint, "")
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	err = s.db.UpdateInvoice(id, func(inv *Invoice) error {
		if inv.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalState, inv.Status)
		}
		inv.ToolName = extracted.ToolName
		inv.CompanyName = extracted.CompanyName
		inv.AmountMinorUnits = amount
		inv.Currency = extracted.Currency
		inv.InvoiceDate = invoiceDate
		inv.BillingPeriod = extracted.BillingPeriod
		if invoiceDate != nil {
			inv.Month = MonthOf(*invoiceDate)
		}
		inv.Fingerprint = fingerprint
		inv.IsDuplicate = isDuplicate
		if isDuplicate {
			inv.DuplicateOfID = canonicalID
		}
		inv.RecurringGroupID = groupID
		inv.IsRecurring = seenBefore
		inv.Status = StatusCompleted
		inv.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		s.releaseClaims(ownerID, id, fingerprint, groupID)
		return fmt.Errorf("completing invoice: %w", err)
	}
	return nil
}

// releaseClaims undoes index claims taken by a reconciliation that could
// not complete. Releases are conditional on this record holding the
// claim, so the next identical upload starts clean instead of being
// flagged as a duplicate of a record that never finished.
func (s *Service) releaseClaims(ownerID, id, fingerprint, groupID string) {
	if fingerprint != "" {
		if err := s.db.ReleaseFingerprint(ownerID, fingerprint, id); err != nil {
			slog.Error("Failed to release fingerprint claim", "invoice_id", id, "error", err)
		}
	}
	if groupID != "" {
		if err := s.db.ReleaseRecurringGroup(ownerID, groupID, id); err != nil {
			slog.Error("Failed to release recurring group claim", "invoice_id", id, "error", err)
		}
	}
}

// markFailed pushes a processing record to failed, capturing the error
// message. Terminal records are left untouched.
func (s *Service) markFailed(id, message string) {
	err := s.db.UpdateInvoice(id, func(inv *Invoice) error {
		if inv.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalState, inv.Status)
		}
		inv.Status = StatusFailed
		inv.ExtractionError = message
		inv.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		slog.Error("Failed to mark invoice as failed", "invoice_id", id, "error", err)
	}
}

// GetInvoice retrieves an invoice, scoped to its owner.
func (s *Service) GetInvoice(ownerID, id string) (*Invoice, error) {
	inv, err := s.db.GetInvoice(id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	if inv.OwnerID != ownerID {
		return nil, fmt.Errorf("getting invoice: %w: %s", ErrNotFound, id)
	}
	return inv, nil
}

// ListInvoices returns an owner's invoices, optionally filtered to one
// YYYY-MM month bucket.
func (s *Service) ListInvoices(ownerID, month string) ([]*Invoice, error) {
	var invoices []*Invoice
	var err error
	if month == "" {
		invoices, err = s.db.ListInvoices(ownerID)
	} else {
		invoices, err = s.db.ListInvoicesByMonth(ownerID, month)
	}
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return invoices, nil
}

// GetInvoiceFile retrieves the stored document for an invoice.
func (s *Service) GetInvoiceFile(ownerID, id string) ([]byte, string, error) {
	inv, err := s.GetInvoice(ownerID, id)
	if err != nil {
		return nil, "", err
	}
	data, err := s.storage.Get(inv.StoragePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice file: %w", err)
	}
	return data, inv.MIMEType, nil
}

// SignedLink returns a short-lived download URL for an invoice's document.
func (s *Service) SignedLink(ownerID, id string, ttl time.Duration) (string, error) {
	inv, err := s.GetInvoice(ownerID, id)
	if err != nil {
		return "", err
	}
	link, err := s.storage.SignedURL(inv.StoragePath, ttl)
	if err != nil {
		return "", fmt.Errorf("signing url: %w", err)
	}
	return link, nil
}

// OpenSignedFile verifies a signed download URL and returns the file.
func (s *Service) OpenSignedFile(path string, expires int64, signature string) ([]byte, error) {
	if err := s.storage.VerifySignedURL(path, expires, signature); err != nil {
		return nil, fmt.Errorf("verifying signed url: %w", err)
	}
	data, err := s.storage.Get(path)
	if err != nil {
		return nil, fmt.Errorf("getting file: %w", err)
	}
	return data, nil
}

// SetPaymentStatus updates the payment state of an invoice. Only
// completed records are payable; processing and failed records have no
// trustworthy amount. PaidAt is stamped when the status becomes paid and
// cleared otherwise.
func (s *Service) SetPaymentStatus(ownerID, id string, status PaymentStatus) (*Invoice, error) {
	switch status {
	case PaymentPending, PaymentPaid, PaymentOverdue:
	default:
		return nil, fmt.Errorf("invalid payment status %q", status)
	}

	if _, err := s.GetInvoice(ownerID, id); err != nil {
		return nil, err
	}

	err := s.db.UpdateInvoice(id, func(inv *Invoice) error {
		if inv.Status != StatusCompleted {
			return fmt.Errorf("%w: %s", ErrNotCompleted, inv.Status)
		}
		inv.PaymentStatus = status
		if status == PaymentPaid {
			now := s.timeSource.Now()
			inv.PaidAt = &now
		} else {
			inv.PaidAt = nil
		}
		inv.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating payment status: %w", err)
	}
	return s.db.GetInvoice(id)
}

// DeleteInvoice removes an invoice and its stored file.
func (s *Service) DeleteInvoice(ownerID, id string) error {
	inv, err := s.GetInvoice(ownerID, id)
	if err != nil {
		return err
	}

	if err := s.storage.Delete(inv.StoragePath); err != nil {
		// Keep going: a missing file should not strand the record.
		slog.Warn("Failed to delete file", "path", inv.StoragePath, "error", err)
	}

	if err := s.db.DeleteInvoice(id); err != nil {
		return fmt.Errorf("deleting invoice: %w", err)
	}
	return nil
}
