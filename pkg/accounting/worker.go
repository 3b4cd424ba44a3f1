// Package accounting drains the usage event stream and applies each event
// to the durable ledger: window counters, tag day buckets, and session
// state. The worker is the only writer of those rows; the gateway never
// mutates them inline. Delivery is at least once, so every event is claimed
// by fingerprint before any charge lands.
package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/usage"
)

const (
	defaultBatchSize = 64
	defaultBlock     = 2 * time.Second
	readRetryDelay   = time.Second
	compactInterval  = 24 * time.Hour
	compactKeepDays  = 90
)

// Store is the durable surface the worker writes through. Implemented by
// pkg/store.
type Store interface {
	AddCounter(ctx context.Context, tenantName, ledgerKey string, delta decimal.Decimal) (decimal.Decimal, error)
	AdjustCounter(ctx context.Context, tenantName, ledgerKey string, delta decimal.Decimal) (decimal.Decimal, error)
	AddTagUsage(ctx context.Context, tenantName string, charge usage.TagCharge, weighted decimal.Decimal) error
	ApplySessionCost(ctx context.Context, sessionID string, tenantID int64, effectiveBudget *decimal.Decimal, cost decimal.Decimal, at time.Time) (*budget.Session, error)
	InsertLedgerEntry(ctx context.Context, e usage.Event) error
	MarkProcessed(ctx context.Context, fingerprint string) (bool, error)
	ReleaseProcessed(ctx context.Context, fingerprint string) error
	ActiveBudgets(ctx context.Context, tenantID int64) ([]budget.Budget, error)
	TenantSessionBudget(ctx context.Context, tenantID int64) (*decimal.Decimal, error)
	CompactTagUsage(ctx context.Context, now time.Time, keepDays int) error
}

// Worker consumes the stream in batches and acks each event after it is
// fully applied. A failed event stays pending; on redelivery the claimed
// fingerprint keeps it from charging twice.
type Worker struct {
	stream usage.Stream
	store  Store
	cache  *cache.Cache
	log    *slog.Logger
	now    func() time.Time

	batchSize   int
	block       time.Duration
	lastCompact time.Time
}

// New builds a worker over the given stream, store, and cache facade.
func New(stream usage.Stream, store Store, c *cache.Cache) *Worker {
	return &Worker{
		stream:    stream,
		store:     store,
		cache:     c,
		log:       slog.Default().With("component", "accounting.worker"),
		now:       time.Now,
		batchSize: defaultBatchSize,
		block:     defaultBlock,
	}
}

// Run drains the stream until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("accounting worker started")
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("accounting worker stopped")
			return err
		}
		deliveries, err := w.stream.Read(ctx, w.batchSize, w.block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.log.Warn("stream read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(readRetryDelay):
			}
			continue
		}
		w.Drain(ctx, deliveries)
		w.maybeCompact(ctx)
	}
}

// Drain applies one batch of deliveries, acking each as it lands.
func (w *Worker) Drain(ctx context.Context, deliveries []usage.Delivery) {
	for _, d := range deliveries {
		if err := w.Process(ctx, d.Event); err != nil {
			w.log.Error("event not applied", "fingerprint", d.Event.Fingerprint, "error", err)
			continue
		}
		if err := w.stream.Ack(ctx, d.StreamID); err != nil {
			w.log.Warn("ack failed", "stream_id", d.StreamID, "error", err)
		}
	}
}

// Process applies a single event. Returning nil means the event is fully
// accounted (or confirmed already accounted) and safe to ack.
func (w *Worker) Process(ctx context.Context, e usage.Event) error {
	if !e.Verify() {
		// A fingerprint mismatch means the payload was corrupted in transit;
		// retrying cannot fix it.
		w.log.Warn("discarding event with bad fingerprint", "event_id", e.ID)
		return nil
	}

	// The ledger row is idempotent by fingerprint, so it is safe to write
	// before claiming; a redelivery that lost the race still records it.
	if err := w.store.InsertLedgerEntry(ctx, e); err != nil {
		return fmt.Errorf("accounting: ledger entry: %w", err)
	}

	fresh, err := w.store.MarkProcessed(ctx, e.Fingerprint)
	if err != nil {
		return fmt.Errorf("accounting: claim event: %w", err)
	}
	if !fresh {
		return nil
	}

	// Blocked and failed events are ledger-only: no spend happened.
	if e.Outcome != usage.OutcomeSuccess {
		return nil
	}

	if err := w.charge(ctx, e); err != nil {
		// The claim must not outlive a failed charge, or the redelivered
		// event would be acked with its spend never recorded.
		if rerr := w.store.ReleaseProcessed(ctx, e.Fingerprint); rerr != nil {
			w.log.Error("claim release failed, spend may be lost", "fingerprint", e.Fingerprint, "error", rerr)
		}
		return err
	}
	return nil
}

// charge applies the monetary side of a success event: window counters,
// tag day buckets, then session state. Everything already applied is rolled
// back if a later step fails, so a half-charged event never persists; the
// caller then releases the fingerprint claim and the redelivery charges in
// full. Zero-cost events skip the counters but still touch the session.
func (w *Worker) charge(ctx context.Context, e usage.Event) error {
	type appliedCounter struct {
		ledgerKey string
	}
	type appliedTag struct {
		charge   usage.TagCharge
		weighted decimal.Decimal
	}
	var doneCounters []appliedCounter
	var doneTags []appliedTag

	rollback := func() {
		for _, a := range doneCounters {
			if _, err := w.store.AdjustCounter(ctx, e.TenantName, a.ledgerKey, e.USD.Neg()); err != nil {
				w.log.Error("counter rollback failed", "tenant", e.TenantName, "key", a.ledgerKey, "error", err)
			}
			w.cache.Del(ctx, ledger.CounterKey(e.TenantName, a.ledgerKey))
		}
		for _, a := range doneTags {
			if err := w.store.AddTagUsage(ctx, e.TenantName, a.charge, a.weighted.Neg()); err != nil {
				w.log.Error("tag usage rollback failed", "tenant", e.TenantName, "tag", a.charge.TagID, "error", err)
			}
			w.cache.Del(ctx,
				ledger.TagUsageKey(e.TenantName, a.charge.TagID, a.charge.Period, a.charge.Day),
				ledger.TagUsageKey(e.TenantName, a.charge.TagID, a.charge.Period, ledger.DayBucket(w.now())),
			)
		}
	}

	if !e.USD.IsZero() {
		windows, err := w.counterWindows(ctx, e)
		if err != nil {
			return err
		}
		for _, cw := range windows {
			total, err := w.store.AddCounter(ctx, e.TenantName, cw.key, e.USD)
			if err != nil {
				rollback()
				return fmt.Errorf("accounting: counter %s: %w", cw.key, err)
			}
			doneCounters = append(doneCounters, appliedCounter{ledgerKey: cw.key})
			if ttl, terr := ledger.TTL(cw.period, e.Timestamp, cw.window); terr == nil {
				w.cache.Set(ctx, ledger.CounterKey(e.TenantName, cw.key), total.String(), ttl)
			}
		}

		for _, tc := range e.Tags {
			weighted := e.USD.Mul(tc.Weight)
			if err := w.store.AddTagUsage(ctx, e.TenantName, tc, weighted); err != nil {
				rollback()
				return fmt.Errorf("accounting: tag usage %d: %w", tc.TagID, err)
			}
			doneTags = append(doneTags, appliedTag{charge: tc, weighted: weighted})
			// The resolver caches window totals under the current day bucket;
			// dropping both the charge day and today covers a midnight rollover.
			w.cache.Del(ctx,
				ledger.TagUsageKey(e.TenantName, tc.TagID, tc.Period, tc.Day),
				ledger.TagUsageKey(e.TenantName, tc.TagID, tc.Period, ledger.DayBucket(w.now())),
			)
		}
	}

	if e.SessionID != "" {
		if err := w.applySession(ctx, e); err != nil {
			rollback()
			return err
		}
	}
	return nil
}

type counterWindow struct {
	key    string
	period ledger.Period
	window *ledger.Window
}

// counterWindows lists every ledger window the event's spend lands in: the
// daily and monthly windows of its timestamp, plus any active custom budget
// window containing it.
func (w *Worker) counterWindows(ctx context.Context, e usage.Event) ([]counterWindow, error) {
	var out []counterWindow
	for _, p := range []ledger.Period{ledger.PeriodDaily, ledger.PeriodMonthly} {
		key, err := ledger.Key(p, e.Timestamp, nil)
		if err != nil {
			return nil, fmt.Errorf("accounting: window key: %w", err)
		}
		out = append(out, counterWindow{key: key, period: p})
	}

	budgets, err := w.store.ActiveBudgets(ctx, e.TenantID)
	if err != nil {
		return nil, fmt.Errorf("accounting: custom windows: %w", err)
	}
	seen := make(map[string]bool)
	for _, b := range budgets {
		win := b.Window()
		if b.Period != ledger.PeriodCustom || win == nil {
			continue
		}
		ts := e.Timestamp.UTC()
		if ts.Before(win.Start) || !ts.Before(win.End) {
			continue
		}
		key, err := ledger.Key(ledger.PeriodCustom, e.Timestamp, win)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, counterWindow{key: key, period: ledger.PeriodCustom, window: win})
	}
	return out, nil
}

// applySession charges the session row and refreshes its cache entries.
// New sessions inherit the tenant default ceiling at creation.
func (w *Worker) applySession(ctx context.Context, e usage.Event) error {
	tenantDefault, err := w.store.TenantSessionBudget(ctx, e.TenantID)
	if err != nil {
		// The default only matters for first sight of a session; an existing
		// row keeps its stored ceiling.
		w.log.Warn("tenant session budget unavailable", "tenant", e.TenantName, "error", err)
	}
	sess, err := w.store.ApplySessionCost(ctx, e.SessionID, e.TenantID, tenantDefault, e.USD, e.Timestamp)
	if err != nil {
		return fmt.Errorf("accounting: session %s: %w", e.SessionID, err)
	}
	if raw, err := json.Marshal(sess); err == nil {
		w.cache.Set(ctx, ledger.SessionKey(e.SessionID), string(raw), ledger.TTLSession)
	}
	w.cache.Set(ctx, ledger.SessionCostKey(e.SessionID), sess.CurrentCostUSD.String(), ledger.TTLSessionCost)
	return nil
}

// maybeCompact folds closed tag-usage buckets once per interval.
func (w *Worker) maybeCompact(ctx context.Context) {
	now := w.now()
	if now.Sub(w.lastCompact) < compactInterval {
		return
	}
	w.lastCompact = now
	if err := w.store.CompactTagUsage(ctx, now, compactKeepDays); err != nil {
		w.log.Warn("tag usage compaction failed", "error", err)
	}
}
