package accounting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/accounting"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	counters  map[string]decimal.Decimal
	tagUsage  map[string]decimal.Decimal
	sessions  map[string]*budget.Session
	processed map[string]bool
	ledger    []usage.Event
	budgets   []budget.Budget
	sessDflt  *decimal.Decimal

	failTagUsage bool
	failSession  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters:  make(map[string]decimal.Decimal),
		tagUsage:  make(map[string]decimal.Decimal),
		sessions:  make(map[string]*budget.Session),
		processed: make(map[string]bool),
	}
}

func (f *fakeStore) AddCounter(_ context.Context, tenant, key string, delta decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenant + "/" + key
	total := f.counters[k].Add(delta)
	if total.IsNegative() {
		total = decimal.Zero
	}
	f.counters[k] = total
	return total, nil
}

func (f *fakeStore) AdjustCounter(ctx context.Context, tenant, key string, delta decimal.Decimal) (decimal.Decimal, error) {
	return f.AddCounter(ctx, tenant, key, delta)
}

func (f *fakeStore) AddTagUsage(_ context.Context, tenant string, c usage.TagCharge, weighted decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTagUsage {
		return assert.AnError
	}
	k := ledger.TagUsageKey(tenant, c.TagID, c.Period, c.Day)
	f.tagUsage[k] = f.tagUsage[k].Add(weighted)
	return nil
}

func (f *fakeStore) ApplySessionCost(_ context.Context, sid string, tenantID int64, eff *decimal.Decimal, cost decimal.Decimal, at time.Time) (*budget.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSession {
		return nil, assert.AnError
	}
	s, ok := f.sessions[sid]
	if !ok {
		s = &budget.Session{SessionID: sid, TenantID: tenantID, EffectiveBudgetUSD: eff, Status: budget.SessionActive, CreatedAt: at}
		f.sessions[sid] = s
	}
	s.CurrentCostUSD = s.CurrentCostUSD.Add(cost)
	s.RequestCount++
	s.LastActiveAt = at
	if s.Status == budget.SessionActive && s.EffectiveBudgetUSD != nil && s.CurrentCostUSD.GreaterThanOrEqual(*s.EffectiveBudgetUSD) {
		s.Status = budget.SessionBudgetExceeded
	}
	return s, nil
}

func (f *fakeStore) InsertLedgerEntry(_ context.Context, e usage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.ledger {
		if have.Fingerprint == e.Fingerprint {
			return nil
		}
	}
	f.ledger = append(f.ledger, e)
	return nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, fp string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed[fp] {
		return false, nil
	}
	f.processed[fp] = true
	return true, nil
}

func (f *fakeStore) ReleaseProcessed(_ context.Context, fp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processed, fp)
	return nil
}

func (f *fakeStore) ActiveBudgets(_ context.Context, _ int64) ([]budget.Budget, error) {
	return f.budgets, nil
}

func (f *fakeStore) TenantSessionBudget(_ context.Context, _ int64) (*decimal.Decimal, error) {
	return f.sessDflt, nil
}

func (f *fakeStore) CompactTagUsage(context.Context, time.Time, int) error { return nil }

func (f *fakeStore) counter(tenant, key string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[tenant+"/"+key]
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func successEvent(t *testing.T, sid string) usage.Event {
	t.Helper()
	e, err := usage.NewEvent(usage.Event{
		Timestamp:        time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		TenantID:         7,
		TenantName:       "acme",
		Route:            "/v1/chat/completions",
		Model:            "gpt-4o",
		PromptTokens:     100,
		CompletionTokens: 50,
		USD:              dec("0.25"),
		SessionID:        sid,
		Outcome:          usage.OutcomeSuccess,
		Tags: []usage.TagCharge{
			{TagID: 3, Path: "engineering", Period: ledger.PeriodDaily, LedgerKey: "2026-08-24", Day: "2026-08-24", Weight: dec("1")},
			{TagID: 3, Path: "engineering", Period: ledger.PeriodMonthly, LedgerKey: "2026-08", Day: "2026-08-24", Weight: dec("0.5")},
		},
	})
	require.NoError(t, err)
	return e
}

func TestWorker_AppendThenConsume(t *testing.T) {
	fs := newFakeStore()
	dflt := dec("10")
	fs.sessDflt = &dflt
	stream := usage.NewMemoryStream()
	w := accounting.New(stream, fs, cache.New(nil))
	ctx := context.Background()

	e := successEvent(t, "sess-1")
	require.NoError(t, stream.Append(ctx, e))

	deliveries, err := stream.Read(ctx, 10, 0)
	require.NoError(t, err)
	w.Drain(ctx, deliveries)

	// The spend lands in the day and month windows of the event timestamp.
	assert.Equal(t, "0.25", fs.counter("acme", "2026-08-24").String())
	assert.Equal(t, "0.25", fs.counter("acme", "2026-08").String())

	// Tag charges are weighted per attached budget.
	assert.Equal(t, "0.25", fs.tagUsage[ledger.TagUsageKey("acme", 3, ledger.PeriodDaily, "2026-08-24")].String())
	assert.Equal(t, "0.125", fs.tagUsage[ledger.TagUsageKey("acme", 3, ledger.PeriodMonthly, "2026-08-24")].String())

	sess := fs.sessions["sess-1"]
	require.NotNil(t, sess)
	assert.Equal(t, "0.25", sess.CurrentCostUSD.String())
	assert.Equal(t, budget.SessionActive, sess.Status)

	require.Len(t, fs.ledger, 1)
	assert.Equal(t, 0, stream.Pending())
}

func TestWorker_CustomWindowCounter(t *testing.T) {
	fs := newFakeStore()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	fs.budgets = []budget.Budget{{
		ID: 1, TenantID: 7, Period: ledger.PeriodCustom,
		AmountUSD: dec("100"), StartDate: &start, EndDate: &end, IsActive: true,
	}}
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))

	require.NoError(t, w.Process(context.Background(), successEvent(t, "")))
	assert.Equal(t, "0.25", fs.counter("acme", "2026-08-01..2026-09-01").String())
}

func TestWorker_RedeliveryChargesOnce(t *testing.T) {
	fs := newFakeStore()
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))
	ctx := context.Background()

	e := successEvent(t, "")
	require.NoError(t, w.Process(ctx, e))
	require.NoError(t, w.Process(ctx, e))

	assert.Equal(t, "0.25", fs.counter("acme", "2026-08-24").String())
	assert.Len(t, fs.ledger, 1)
}

func TestWorker_BlockedEventIsLedgerOnly(t *testing.T) {
	fs := newFakeStore()
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))

	e, err := usage.NewEvent(usage.Event{
		Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		TenantID:  7, TenantName: "acme", Route: "/v1/messages", Model: "claude-sonnet-4",
		USD: decimal.Zero, Outcome: usage.OutcomeBlocked,
	})
	require.NoError(t, err)
	require.NoError(t, w.Process(context.Background(), e))

	assert.Len(t, fs.ledger, 1)
	assert.Empty(t, fs.counters)
}

func TestWorker_CorruptedEventDiscarded(t *testing.T) {
	fs := newFakeStore()
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))

	e := successEvent(t, "")
	e.USD = dec("999")
	require.NoError(t, w.Process(context.Background(), e))
	assert.Empty(t, fs.ledger)
	assert.Empty(t, fs.counters)
}

func TestWorker_RollbackOnPartialFailure(t *testing.T) {
	fs := newFakeStore()
	fs.failTagUsage = true
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))
	ctx := context.Background()

	e := successEvent(t, "")
	require.Error(t, w.Process(ctx, e))

	// Counter increments applied before the failure are undone.
	assert.True(t, fs.counter("acme", "2026-08-24").IsZero())
	assert.True(t, fs.counter("acme", "2026-08").IsZero())

	// The fingerprint claim is released with the rollback, so the
	// redelivered event charges in full once the store recovers.
	fs.failTagUsage = false
	require.NoError(t, w.Process(ctx, e))
	assert.Equal(t, "0.25", fs.counter("acme", "2026-08-24").String())
	assert.Equal(t, "0.25", fs.counter("acme", "2026-08").String())
	assert.Equal(t, "0.25", fs.tagUsage[ledger.TagUsageKey("acme", 3, ledger.PeriodDaily, "2026-08-24")].String())
	assert.Len(t, fs.ledger, 1)
}

func TestWorker_SessionFailureReversesTagUsage(t *testing.T) {
	fs := newFakeStore()
	fs.failSession = true
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))
	ctx := context.Background()

	e := successEvent(t, "sess-2")
	require.Error(t, w.Process(ctx, e))

	// Counters and tag buckets charged before the session failure are
	// both reversed; nothing half-charged persists.
	assert.True(t, fs.counter("acme", "2026-08-24").IsZero())
	assert.True(t, fs.tagUsage[ledger.TagUsageKey("acme", 3, ledger.PeriodDaily, "2026-08-24")].IsZero())
	assert.True(t, fs.tagUsage[ledger.TagUsageKey("acme", 3, ledger.PeriodMonthly, "2026-08-24")].IsZero())

	fs.failSession = false
	require.NoError(t, w.Process(ctx, e))
	assert.Equal(t, "0.25", fs.counter("acme", "2026-08-24").String())
	assert.Equal(t, "0.25", fs.tagUsage[ledger.TagUsageKey("acme", 3, ledger.PeriodDaily, "2026-08-24")].String())
	sess := fs.sessions["sess-2"]
	require.NotNil(t, sess)
	assert.Equal(t, "0.25", sess.CurrentCostUSD.String())
}

func TestWorker_ZeroCostSuccessTouchesSession(t *testing.T) {
	fs := newFakeStore()
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))

	e, err := usage.NewEvent(usage.Event{
		Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		TenantID:  7, TenantName: "acme", Route: "/v1/completions", Model: "unlisted-model",
		USD: decimal.Zero, SessionID: "sess-free", Outcome: usage.OutcomeSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, w.Process(context.Background(), e))

	// No spend, no counters; the session still advances its request count.
	assert.Empty(t, fs.counters)
	sess := fs.sessions["sess-free"]
	require.NotNil(t, sess)
	assert.Equal(t, int64(1), sess.RequestCount)
	assert.True(t, sess.CurrentCostUSD.IsZero())
}

func TestWorker_SessionCrossesCeiling(t *testing.T) {
	fs := newFakeStore()
	dflt := dec("0.30")
	fs.sessDflt = &dflt
	w := accounting.New(usage.NewMemoryStream(), fs, cache.New(nil))
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, successEvent(t, "sess-9")))
	require.NoError(t, w.Process(ctx, successEvent(t, "sess-9")))

	sess := fs.sessions["sess-9"]
	require.NotNil(t, sess)
	assert.Equal(t, budget.SessionBudgetExceeded, sess.Status)
	assert.Equal(t, "0.5", sess.CurrentCostUSD.String())
}
