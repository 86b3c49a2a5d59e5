package extraction

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// A 1x1 lossy WebP, the smallest well-formed file the format allows.
var webpSample, _ = base64.StdEncoding.DecodeString(
	"UklGRiIAAABXRUJQVlA4IBYAAAAwAQCdASoBAAEADsD+JaQAA3AAAAAA")

var _ = Describe("normalizeDocument", func() {
	When("given a WebP image", func() {
		It("converts it to decodable PNG bytes", func() {
			out, err := normalizeDocument(webpSample, "image/webp")
			Expect(err).NotTo(HaveOccurred())

			img, format, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
			Expect(img.Bounds().Dx()).To(Equal(1))
		})
	})

	When("given a PNG image", func() {
		It("passes the bytes through unchanged", func() {
			var buf bytes.Buffer
			Expect(png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))).To(Succeed())

			out, err := normalizeDocument(buf.Bytes(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(buf.Bytes()))
		})
	})
})
