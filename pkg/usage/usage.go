// Package usage defines the priced usage event and the append-only stream
// it travels on. Delivery to the accounting worker is at least once; every
// event carries a canonical fingerprint the worker dedups on.
package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/ledger"
)

// Outcomes of the admission pipeline.
const (
	OutcomeSuccess = "success"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// TagCharge is one tag counter the worker must increment for this event:
// the request tag itself and each STRICT/LENIENT ancestor.
type TagCharge struct {
	TagID     int64           `json:"tag_id"`
	Path      string          `json:"path"`
	Period    ledger.Period   `json:"period"`
	LedgerKey string          `json:"ledger_key"`
	Day       string          `json:"day"`
	Weight    decimal.Decimal `json:"weight"`
}

// Event is one priced request record, the unit of the usage ledger.
type Event struct {
	ID                 string          `json:"id"`
	Timestamp          time.Time       `json:"timestamp"`
	TenantID           int64           `json:"tenant_id"`
	TenantName         string          `json:"tenant_name"`
	Route              string          `json:"route"`
	Model              string          `json:"model"`
	PromptTokens       int64           `json:"prompt_tokens"`
	CachedPromptTokens int64           `json:"cached_prompt_tokens"`
	CompletionTokens   int64           `json:"completion_tokens"`
	USD                decimal.Decimal `json:"usd"`
	SessionID          string          `json:"session_id,omitempty"`
	Outcome            string          `json:"outcome"`
	Tags               []TagCharge     `json:"tags,omitempty"`

	// Fingerprint is the idempotency token: SHA-256 over the canonical JSON
	// of every field above. Stable across re-marshals and redeliveries.
	Fingerprint string `json:"fingerprint"`
}

// NewEvent stamps id and timestamp and seals the fingerprint.
func NewEvent(e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Timestamp = e.Timestamp.UTC()
	fp, err := fingerprint(e)
	if err != nil {
		return Event{}, err
	}
	e.Fingerprint = fp
	return e, nil
}

// fingerprint hashes the event's canonical JSON form, fingerprint field
// excluded.
func fingerprint(e Event) (string, error) {
	e.Fingerprint = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("usage: marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("usage: canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the fingerprint and reports whether it matches.
func (e Event) Verify() bool {
	fp, err := fingerprint(e)
	return err == nil && fp == e.Fingerprint
}

// Delivery is one event handed to a consumer, with the stream-assigned id
// needed to acknowledge it.
type Delivery struct {
	StreamID string
	Event    Event
}

// Stream is the append-only usage event log. Append must return within the
// pipeline's emission deadline; Read blocks up to the given duration.
type Stream interface {
	Append(ctx context.Context, e Event) error
	Read(ctx context.Context, max int, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, streamIDs ...string) error
}
