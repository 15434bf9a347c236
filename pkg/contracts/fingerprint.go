package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
)

// Fingerprint is the idempotency record guarding external submission. At
// most one row exists per hash; the unique constraint is the gate.
type Fingerprint struct {
	Hash            string    `json:"hash"`
	CaseID          string    `json:"case_id"`
	TenantID        string    `json:"tenant_id"`
	CreatedAt       time.Time `json:"created_at"`
	ExternalOrderID string    `json:"external_order_id,omitempty"`
}

// FingerprintLine is the submission-relevant projection of a line item.
type FingerprintLine struct {
	ItemID   string  `json:"item_id"`
	Quantity float64 `json:"quantity"`
}

// LineItemHash hashes the canonical JSON of the lines sorted by item id,
// ties broken by quantity so duplicate items keep one canonical order.
// Quantities ride through unchanged; row order in the workbook is irrelevant.
func LineItemHash(lines []FingerprintLine) (string, error) {
	sorted := make([]FingerprintLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ItemID != sorted[j].ItemID {
			return sorted[i].ItemID < sorted[j].ItemID
		}
		return sorted[i].Quantity < sorted[j].Quantity
	})
	b, err := canonicalize.JCS(sorted)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize lines: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DayBucket formats the received time as a UTC calendar date.
func DayBucket(receivedAt time.Time) string {
	return receivedAt.UTC().Format("2006-01-02")
}

// ComputeFingerprint derives the submission fingerprint from the file hash,
// the resolved customer, the line item hash and the day bucket. Components
// join NUL-delimited so no concatenation of distinct inputs can collide.
func ComputeFingerprint(fileHash, customerID string, lines []FingerprintLine, receivedAt time.Time) (string, error) {
	if fileHash == "" {
		return "", fmt.Errorf("fingerprint: file hash is required")
	}
	if customerID == "" {
		return "", fmt.Errorf("fingerprint: resolved customer id is required")
	}
	lh, err := LineItemHash(lines)
	if err != nil {
		return "", err
	}
	material := strings.Join([]string{fileHash, customerID, lh, DayBucket(receivedAt)}, "\x00")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}
