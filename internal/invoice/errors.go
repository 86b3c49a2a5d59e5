package invoice

import "errors"

// Errors surfaced by the ingestion pipeline.
var (
	// ErrUnsupportedFileType is returned synchronously when the declared
	// MIME type is not an accepted PDF or image type. Nothing is persisted.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrStorageWrite is returned synchronously when the content store
	// rejects the upload. No record is created.
	ErrStorageWrite = errors.New("storage write failed")

	// ErrExtractionFailed marks the asynchronous extraction step failing;
	// it is recorded on the invoice, never returned to the uploader.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrLookupFailed marks a duplicate/recurrence lookup failing during
	// reconciliation. Partial classification is worse than none, so the
	// record is failed rather than completed unclassified.
	ErrLookupFailed = errors.New("classification lookup failed")

	// ErrNotCompleted is returned on an attempt to set payment state on an
	// invoice that has not finished extraction successfully.
	ErrNotCompleted = errors.New("invoice has not completed processing")

	// ErrNotFound is returned when an invoice does not exist.
	ErrNotFound = errors.New("invoice not found")

	// ErrTerminalState is returned on an attempt to transition an invoice
	// that is already completed or failed.
	ErrTerminalState = errors.New("invoice already in a terminal state")
)
