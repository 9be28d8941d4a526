package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"scopegate/pkg/models"
)

// Outcome of one retrieval call, as recorded for post-hoc verification.
const (
	OutcomeAdmitted    = "admitted"
	OutcomeDenied      = "denied"
	OutcomeUnavailable = "unavailable"
)

// Record is one append-only audit entry: who asked, under what scope, the
// fingerprint of what they asked (never the raw text, to bound log
// sensitivity), and what the gateway decided. A nonzero RejectedCount means
// the index returned chunks outside scope and is independently alertable.
type Record struct {
	ID               string        `json:"id"`
	At               time.Time     `json:"at"`
	Subject          string        `json:"subject"`
	Scope            []models.Role `json:"scope"`
	QueryFingerprint string        `json:"query_fingerprint"`
	Outcome          string        `json:"outcome"`
	ReasonCode       string        `json:"reason_code,omitempty"`
	AdmittedCount    int           `json:"admitted_count"`
	RejectedCount    int           `json:"rejected_count"`
	RejectedIDs      []string      `json:"rejected_ids,omitempty"`
}

// Fingerprint hashes query text with a deployment salt so records from the
// same query correlate without the log ever holding the query itself.
func Fingerprint(query string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}
