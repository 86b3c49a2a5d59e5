package invoice

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const fingerprintSep = "|"

// Fingerprint derives the duplicate-detection hash for an invoice from
// its extracted fields. Fields are used verbatim, without normalization:
// two invoices differing only in capitalization are deliberately not
// considered duplicates. A missing date contributes the empty string, so
// two undated invoices with the same tool, company and amount still match.
func Fingerprint(toolName, companyName string, amountMinorUnits int64, invoiceDate *time.Time) string {
	date := ""
	if invoiceDate != nil {
		date = invoiceDate.UTC().Format("2006-01-02")
	}
	input := strings.Join([]string{
		toolName,
		companyName,
		fmt.Sprintf("%d", amountMinorUnits),
		date,
	}, fingerprintSep)

	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// RecurrenceKey derives the stable group key for recurring-subscription
// detection. It is coarser than Fingerprint on purpose: amount and date
// are ignored so a subscription with a fluctuating price still maps to
// one group.
func RecurrenceKey(toolName, companyName string) string {
	return normalizeKeyPart(toolName) + "_" + normalizeKeyPart(companyName)
}

// normalizeKeyPart lowercases and collapses whitespace runs to single
// hyphens; empty input becomes the literal "unknown".
func normalizeKeyPart(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unknown"
	}
	return whitespaceRun.ReplaceAllString(s, "-")
}
