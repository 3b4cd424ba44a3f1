package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/store"
	"github.com/spendgate/spendgate/pkg/tenants"
	"github.com/spendgate/spendgate/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTenantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	limit := int64(120)
	sessBudget := dec("5.50")
	in := &tenants.Tenant{
		Name:                    "acme",
		IsActive:                true,
		RateLimitPerMin:         &limit,
		DefaultSessionBudgetUSD: &sessBudget,
	}
	require.NoError(t, s.CreateTenant(ctx, in))
	assert.NotZero(t, in.ID)

	got, err := s.TenantByName(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)
	require.NotNil(t, got.RateLimitPerMin)
	assert.EqualValues(t, 120, *got.RateLimitPerMin)
	require.NotNil(t, got.DefaultSessionBudgetUSD)
	assert.Equal(t, "5.5", got.DefaultSessionBudgetUSD.String())

	missing, err := s.TenantByName(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAPIKeyByDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := &tenants.Tenant{Name: "acme", IsActive: true}
	require.NoError(t, s.CreateTenant(ctx, tenant))

	digest := tenants.DigestSecret("sk-test-secret")
	key := &tenants.APIKey{TenantID: tenant.ID, Name: "ci", SecretDigest: digest, IsActive: true}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	gotKey, gotTenant, err := s.APIKeyByDigest(ctx, digest)
	require.NoError(t, err)
	require.NotNil(t, gotKey)
	require.NotNil(t, gotTenant)
	assert.Equal(t, key.ID, gotKey.ID)
	assert.Equal(t, "acme", gotTenant.Name)

	// Unknown digest is absence, not an error.
	k, tn, err := s.APIKeyByDigest(ctx, tenants.DigestSecret("sk-other"))
	require.NoError(t, err)
	assert.Nil(t, k)
	assert.Nil(t, tn)
}

func TestCounter_AbsentIsZero(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Counter(context.Background(), "acme", "2026-08-24")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestAddCounter_ExactDecimalAccumulation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total, err := s.AddCounter(ctx, "acme", "2026-08-24", dec("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "0.1", total.String())

	total, err = s.AddCounter(ctx, "acme", "2026-08-24", dec("0.2"))
	require.NoError(t, err)
	assert.Equal(t, "0.3", total.String())

	read, err := s.Counter(ctx, "acme", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, "0.3", read.String())
}

func TestAdjustCounter_FlooredAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddCounter(ctx, "acme", "2026-08", dec("0.05"))
	require.NoError(t, err)

	total, err := s.AdjustCounter(ctx, "acme", "2026-08", dec("-1"))
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestApplySessionCost_CreatesAndTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ceiling := dec("1.00")
	now := time.Now().UTC()

	sess, err := s.ApplySessionCost(ctx, "sess-1", 7, &ceiling, dec("0.40"), now)
	require.NoError(t, err)
	assert.Equal(t, budget.SessionActive, sess.Status)
	assert.Equal(t, "0.4", sess.CurrentCostUSD.String())
	assert.EqualValues(t, 1, sess.RequestCount)

	// Crossing the ceiling flips status exactly once.
	sess, err = s.ApplySessionCost(ctx, "sess-1", 7, &ceiling, dec("0.60"), now)
	require.NoError(t, err)
	assert.Equal(t, budget.SessionBudgetExceeded, sess.Status)
	assert.Equal(t, "1", sess.CurrentCostUSD.String())

	// Further charges accumulate but the sticky status stands.
	sess, err = s.ApplySessionCost(ctx, "sess-1", 7, &ceiling, dec("0.10"), now)
	require.NoError(t, err)
	assert.Equal(t, budget.SessionBudgetExceeded, sess.Status)
	assert.EqualValues(t, 3, sess.RequestCount)
}

func TestApplySessionCost_UnboundedStaysActive(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.ApplySessionCost(context.Background(), "sess-2", 7, nil, dec("99"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, budget.SessionActive, sess.Status)
	assert.Nil(t, sess.EffectiveBudgetUSD)
}

func TestMarkProcessed_ClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkProcessed(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestReleaseProcessed_AllowsReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "fp-2")
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, s.ReleaseProcessed(ctx, "fp-2"))

	reclaimed, err := s.MarkProcessed(ctx, "fp-2")
	require.NoError(t, err)
	assert.True(t, reclaimed)
}

func TestInsertLedgerEntry_DuplicateFingerprintIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := usage.NewEvent(usage.Event{
		TenantID: 7, TenantName: "acme", Route: "/v1/chat/completions",
		Model: "gpt-4o", PromptTokens: 10, CompletionTokens: 5,
		USD: dec("0.001"), Outcome: usage.OutcomeSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, s.InsertLedgerEntry(ctx, e))
	require.NoError(t, s.InsertLedgerEntry(ctx, e))
}

func TestTagUsage_PeriodWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	charge := func(day string, period ledger.Period, amount string) {
		t.Helper()
		require.NoError(t, s.AddTagUsage(ctx, "acme", usage.TagCharge{
			TagID: 3, Period: period, Day: day,
		}, dec(amount)))
	}

	charge("2026-08-24", ledger.PeriodDaily, "0.10")
	charge("2026-08-23", ledger.PeriodDaily, "0.50")
	charge("2026-08-01", ledger.PeriodMonthly, "0.20")
	charge("2026-08-24", ledger.PeriodMonthly, "0.30")
	charge("2026-07-31", ledger.PeriodMonthly, "9.99")

	daily, err := s.TagUsage(ctx, "acme", 3, ledger.PeriodDaily, at, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.1", daily.String())

	monthly, err := s.TagUsage(ctx, "acme", 3, ledger.PeriodMonthly, at, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.5", monthly.String())

	w := &ledger.Window{
		Start: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
	}
	charge("2026-08-10", ledger.PeriodCustom, "1.00")
	custom, err := s.TagUsage(ctx, "acme", 3, ledger.PeriodCustom, at, w)
	require.NoError(t, err)
	assert.Equal(t, "1", custom.String())
}

func TestCompactTagUsage_FoldsClosedMonths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(day, amount string) {
		t.Helper()
		require.NoError(t, s.AddTagUsage(ctx, "acme", usage.TagCharge{
			TagID: 3, Period: ledger.PeriodMonthly, Day: day,
		}, dec(amount)))
	}
	add("2026-07-01", "0.25")
	add("2026-07-15", "0.75")
	add("2026-08-02", "0.40")

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CompactTagUsage(ctx, now, 90))

	// July folds to one month row; August day rows survive.
	july, err := s.TagUsage(ctx, "acme", 3, ledger.PeriodMonthly, time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", july.String())

	august, err := s.TagUsage(ctx, "acme", 3, ledger.PeriodMonthly, now, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.4", august.String())

	// Compaction is idempotent.
	require.NoError(t, s.CompactTagUsage(ctx, now, 90))
	july, err = s.TagUsage(ctx, "acme", 3, ledger.PeriodMonthly, time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", july.String())
}

func TestOutboxStream_DeliveryContract(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stream := store.NewOutboxStream(s)

	e1, err := usage.NewEvent(usage.Event{TenantID: 1, TenantName: "acme", Route: "/v1/messages", Model: "m", USD: dec("0.01"), Outcome: usage.OutcomeSuccess})
	require.NoError(t, err)
	e2, err := usage.NewEvent(usage.Event{TenantID: 1, TenantName: "acme", Route: "/v1/messages", Model: "m", USD: dec("0.02"), Outcome: usage.OutcomeSuccess})
	require.NoError(t, err)
	require.NoError(t, stream.Append(ctx, e1))
	require.NoError(t, stream.Append(ctx, e2))

	got, err := stream.Read(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, e1.Fingerprint, got[0].Event.Fingerprint)
	assert.True(t, got[0].Event.Verify())

	// Claimed rows are invisible until the claim expires.
	again, err := stream.Read(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, stream.Ack(ctx, got[0].StreamID, got[1].StreamID))
	final, err := stream.Read(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestActiveBudgets_ScansDecimals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO budgets (tenant_id, period, amount_usd, is_active, created_at)
		VALUES ($1, 'daily', '12.345', TRUE, $2)
	`, int64(7), time.Now().UTC())
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO budgets (tenant_id, period, amount_usd, is_active, created_at)
		VALUES ($1, 'monthly', '100', FALSE, $2)
	`, int64(7), time.Now().UTC())
	require.NoError(t, err)

	got, err := s.ActiveBudgets(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.PeriodDaily, got[0].Period)
	assert.Equal(t, "12.345", got[0].AmountUSD.String())
}

// Error paths use sqlmock so a broken pool surfaces as a wrapped error, not
// a panic or a silent zero.
func TestCounter_QueryErrorWrapped(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT total_usd FROM counters").
		WillReturnError(assert.AnError)

	s := store.New(db, store.Postgres)
	_, err = s.Counter(context.Background(), "acme", "2026-08-24")
	require.Error(t, err)
	assert.ErrorContains(t, err, "store: counter")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed_ExecErrorWrapped(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO processed_events").
		WillReturnError(assert.AnError)

	s := store.New(db, store.Postgres)
	_, err = s.MarkProcessed(context.Background(), "fp")
	require.Error(t, err)
	assert.ErrorContains(t, err, "store: mark processed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
