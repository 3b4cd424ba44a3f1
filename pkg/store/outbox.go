package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spendgate/spendgate/pkg/usage"
)

// claimTTL is how long a claimed outbox row stays invisible. A worker that
// dies mid-batch loses its claim after this and the rows are redelivered.
const claimTTL = 5 * time.Minute

// OutboxStream is a usage.Stream backed by the usage_outbox table, for
// deployments without Redis. Rows stay until delivered; claims expire so
// redelivery is at least once, matching the consumer-group contract.
type OutboxStream struct {
	store *Store
}

// NewOutboxStream wraps the store's outbox table as a stream.
func NewOutboxStream(s *Store) *OutboxStream {
	return &OutboxStream{store: s}
}

func (o *OutboxStream) Append(ctx context.Context, e usage.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: outbox append: marshal: %w", err)
	}
	_, err = o.store.db.ExecContext(ctx, `
		INSERT INTO usage_outbox (event, appended_at) VALUES ($1, $2)
	`, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: outbox append: %w", err)
	}
	return nil
}

// Read claims up to max undelivered rows whose claim is absent or expired.
// The block duration is ignored; callers poll.
func (o *OutboxStream) Read(ctx context.Context, max int, _ time.Duration) ([]usage.Delivery, error) {
	now := time.Now().UTC()
	stale := now.Add(-claimTTL)

	tx, err := o.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: outbox read: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event FROM usage_outbox
		WHERE NOT delivered AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY id LIMIT $2`+o.store.forUpdate(),
		stale, max)
	if err != nil {
		return nil, fmt.Errorf("store: outbox read: %w", err)
	}

	var (
		out []usage.Delivery
		ids []int64
	)
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: outbox scan: %w", err)
		}
		var e usage.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: outbox decode: %w", err)
		}
		ids = append(ids, id)
		out = append(out, usage.Delivery{StreamID: strconv.FormatInt(id, 10), Event: e})
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("store: outbox read: close: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE usage_outbox SET claimed_at = $1 WHERE id = $2`, now, id); err != nil {
			return nil, fmt.Errorf("store: outbox claim: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: outbox read: commit: %w", err)
	}
	return out, nil
}

func (o *OutboxStream) Ack(ctx context.Context, streamIDs ...string) error {
	for _, sid := range streamIDs {
		id, err := strconv.ParseInt(sid, 10, 64)
		if err != nil {
			return fmt.Errorf("store: outbox ack: bad id %q: %w", sid, err)
		}
		if _, err := o.store.db.ExecContext(ctx, `UPDATE usage_outbox SET delivered = TRUE WHERE id = $1`, id); err != nil {
			return fmt.Errorf("store: outbox ack: %w", err)
		}
	}
	return nil
}
