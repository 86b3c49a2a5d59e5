package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var errTest = errors.New("test error")

// multipartBody builds a multipart form with a single file part.
func multipartBody(fieldName, fileName, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="`+fieldName+`"; filename="`+fileName+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())

	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db         *mockDB
		storage    *mockStorage
		extractor  *mockExtractor
		dispatcher *manualDispatcher
		service    *Service
		server     *Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = newMockExtractor()
		dispatcher = &manualDispatcher{}
		service = NewServiceWithDeps(db, extractor, storage, dispatcher,
			&seqIDGenerator{prefix: "inv-"},
			&mockTimeSource{now: time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)})
		server = NewServer(service, BasicAuth{})
	})

	upload := func(fileName, contentType string) *httptest.ResponseRecorder {
		body, formContentType := multipartBody("file", fileName, contentType, []byte("file data"))
		req := httptest.NewRequest("POST", "/api/invoices", body)
		req.Header.Set("Content-Type", formContentType)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}

	Describe("POST /api/invoices", func() {
		It("accepts a PDF upload and returns the processing record", func() {
			rec := upload("notion.pdf", "application/pdf")
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			Expect(inv.Status).To(Equal(StatusProcessing))
			Expect(inv.FileName).To(Equal("notion.pdf"))
			Expect(inv.OwnerID).To(Equal("default"))
		})

		It("rejects unsupported file types with 415 and no side effects", func() {
			rec := upload("notes.txt", "text/plain")
			Expect(rec.Code).To(Equal(http.StatusUnsupportedMediaType))
			Expect(db.invoices).To(BeEmpty())
			Expect(storage.files).To(BeEmpty())
		})

		It("maps storage failures to 500", func() {
			storage.putErr = errTest
			rec := upload("notion.pdf", "application/pdf")
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(db.invoices).To(BeEmpty())
		})

		It("returns 400 when no file part is sent", func() {
			body, formContentType := multipartBody("wrong-field", "a.pdf", "application/pdf", []byte("x"))
			req := httptest.NewRequest("POST", "/api/invoices", body)
			req.Header.Set("Content-Type", formContentType)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("falls back to the file extension when no content type is sent", func() {
			rec := upload("scan.jpg", "")
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			Expect(inv.MIMEType).To(Equal("image/jpeg"))
		})
	})

	Describe("GET /api/invoices", func() {
		BeforeEach(func() {
			Expect(upload("jan.pdf", "application/pdf").Code).To(Equal(http.StatusAccepted))
			dispatcher.Run()

			extractor.data.InvoiceDate = "2024-02-10"
			Expect(upload("feb.pdf", "application/pdf").Code).To(Equal(http.StatusAccepted))
			dispatcher.Run()
		})

		It("lists all invoices for the owner", func() {
			req := httptest.NewRequest("GET", "/api/invoices", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var invoices []*Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &invoices)).To(Succeed())
			Expect(invoices).To(HaveLen(2))
		})

		It("filters by month", func() {
			req := httptest.NewRequest("GET", "/api/invoices?month=2024-02", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var invoices []*Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &invoices)).To(Succeed())
			Expect(invoices).To(HaveLen(1))
			Expect(invoices[0].Month).To(Equal("2024-02"))
		})
	})

	Describe("GET /api/invoices/{id}", func() {
		var id string

		BeforeEach(func() {
			rec := upload("notion.pdf", "application/pdf")
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			id = inv.ID
		})

		It("returns the record while still processing", func() {
			req := httptest.NewRequest("GET", "/api/invoices/"+id, nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			Expect(inv.Status).To(Equal(StatusProcessing))
		})

		It("returns the completed record after the background task ran", func() {
			dispatcher.Run()

			req := httptest.NewRequest("GET", "/api/invoices/"+id, nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			Expect(inv.Status).To(Equal(StatusCompleted))
			Expect(inv.ToolName).To(Equal("Notion"))
		})

		It("returns 404 for unknown IDs", func() {
			req := httptest.NewRequest("GET", "/api/invoices/nope", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/invoices/{id}/payment", func() {
		var id string

		BeforeEach(func() {
			rec := upload("notion.pdf", "application/pdf")
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			id = inv.ID
			dispatcher.Run()
		})

		It("marks the invoice paid", func() {
			req := httptest.NewRequest("POST", "/api/invoices/"+id+"/payment",
				bytes.NewBufferString(`{"payment_status":"paid"}`))
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			Expect(inv.PaymentStatus).To(Equal(PaymentPaid))
			Expect(inv.PaidAt).NotTo(BeNil())
		})

		It("rejects unknown payment statuses", func() {
			req := httptest.NewRequest("POST", "/api/invoices/"+id+"/payment",
				bytes.NewBufferString(`{"payment_status":"settled"}`))
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 409 while the invoice is still processing", func() {
			uploadRec := upload("linear.pdf", "application/pdf")
			var pending Invoice
			Expect(json.Unmarshal(uploadRec.Body.Bytes(), &pending)).To(Succeed())

			req := httptest.NewRequest("POST", "/api/invoices/"+pending.ID+"/payment",
				bytes.NewBufferString(`{"payment_status":"paid"}`))
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("DELETE /api/invoices/{id}", func() {
		It("removes the invoice", func() {
			rec := upload("notion.pdf", "application/pdf")
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			dispatcher.Run()

			req := httptest.NewRequest("DELETE", "/api/invoices/"+inv.ID, nil)
			del := httptest.NewRecorder()
			server.ServeHTTP(del, req)
			Expect(del.Code).To(Equal(http.StatusNoContent))

			req = httptest.NewRequest("GET", "/api/invoices/"+inv.ID, nil)
			get := httptest.NewRecorder()
			server.ServeHTTP(get, req)
			Expect(get.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("signed file downloads", func() {
		var path string

		BeforeEach(func() {
			rec := upload("notion.pdf", "application/pdf")
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			path = inv.StoragePath
		})

		It("serves files with a valid signature", func() {
			req := httptest.NewRequest("GET", "/files/"+path+"?exp=99&sig=mock", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.Bytes()).To(Equal([]byte("file data")))
		})

		It("rejects invalid signatures", func() {
			req := httptest.NewRequest("GET", "/files/"+path+"?exp=99&sig=forged", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			server = NewServer(service, BasicAuth{Username: "alice", Password: "secret"})
		})

		It("rejects unauthenticated API requests", func() {
			req := httptest.NewRequest("GET", "/api/invoices", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts valid credentials and scopes records to the user", func() {
			body, formContentType := multipartBody("file", "a.pdf", "application/pdf", []byte("x"))
			req := httptest.NewRequest("POST", "/api/invoices", body)
			req.Header.Set("Content-Type", formContentType)
			req.SetBasicAuth("alice", "secret")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var inv Invoice
			Expect(json.Unmarshal(rec.Body.Bytes(), &inv)).To(Succeed())
			Expect(inv.OwnerID).To(Equal("alice"))
		})

		It("rejects wrong passwords", func() {
			req := httptest.NewRequest("GET", "/api/invoices", nil)
			req.SetBasicAuth("alice", "wrong")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})
	})
})
