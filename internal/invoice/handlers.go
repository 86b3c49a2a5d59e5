package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxUploadSize bounds multipart parsing; high-resolution phone photos
// of invoices can easily reach tens of megabytes.
const maxUploadSize = int64(50 << 20) // 50MB

const signedLinkTTL = 15 * time.Minute

// setCORSHeaders sets CORS headers on a response.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// corsError writes an error response with CORS headers set.
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set.
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleUploadInvoice ingests an uploaded invoice document. The response
// is the provisional record in processing state: extraction happens in
// the background and clients poll the record for the terminal status.
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		if err.Error() == "http: request body too large" {
			message = "File is too large. Maximum size is 50MB."
		}
		jsonError(w, message, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mimeTypeFromExtension(header.Filename)
	}

	inv, err := s.service.Ingest(s.ownerID(r), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error ingesting invoice", "filename", header.Filename, "error", err)
		switch {
		case errors.Is(err, ErrUnsupportedFileType):
			jsonError(w, err.Error(), http.StatusUnsupportedMediaType)
		case errors.Is(err, ErrStorageWrite):
			jsonError(w, "Storing the file failed. Please try again.", http.StatusInternalServerError)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusAccepted, inv)
}

// mimeTypeFromExtension is the fallback when the client sends no
// Content-Type with the multipart file part.
func mimeTypeFromExtension(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListInvoices returns the owner's invoices, optionally filtered
// by ?month=YYYY-MM.
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.service.ListInvoices(s.ownerID(r), r.URL.Query().Get("month"))
	if err != nil {
		slog.Error("Error listing invoices", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, invoices)
}

// handleGetInvoice returns a single invoice.
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.GetInvoice(s.ownerID(r), r.PathValue("id"))
	if err != nil {
		corsError(w, "Invoice not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, inv)
}

// handleGetInvoiceFile returns the stored document for an invoice.
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetInvoiceFile(s.ownerID(r), r.PathValue("id"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleGetInvoiceLink returns a short-lived signed download URL.
func (s *Server) handleGetInvoiceLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.service.SignedLink(s.ownerID(r), r.PathValue("id"), signedLinkTTL)
	if err != nil {
		corsError(w, "Invoice not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, map[string]string{"url": link})
}

// handleSignedFile serves a file referenced by a signed URL. The HMAC
// signature is the authorization; no session is required.
func (s *Server) handleSignedFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	expires, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		corsError(w, "Invalid link", http.StatusBadRequest)
		return
	}

	data, err := s.service.OpenSignedFile(path, expires, r.URL.Query().Get("sig"))
	if err != nil {
		corsError(w, "Link expired or invalid", http.StatusForbidden)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", mimeTypeFromExtension(path))
	w.Write(data)
}

// handleSetPaymentStatus updates payment state on an invoice.
func (s *Server) handleSetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentStatus PaymentStatus `json:"payment_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inv, err := s.service.SetPaymentStatus(s.ownerID(r), r.PathValue("id"), req.PaymentStatus)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Invoice not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, ErrNotCompleted) {
			jsonError(w, "Invoice has not completed processing", http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, inv)
}

// handleDeleteInvoice deletes an invoice and its file.
func (s *Server) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteInvoice(s.ownerID(r), r.PathValue("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Invoice not found", http.StatusNotFound)
			return
		}
		corsError(w, "Error deleting invoice", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
