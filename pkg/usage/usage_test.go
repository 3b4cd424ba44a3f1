package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("redis not available")
	}
	return rdb
}

func sampleEvent() usage.Event {
	return usage.Event{
		TenantID:         7,
		TenantName:       "acme",
		Route:            "/v1/chat/completions",
		Model:            "gpt-3.5-turbo",
		PromptTokens:     100,
		CompletionTokens: 20,
		USD:              decimal.RequireFromString("0.00175"),
		Outcome:          usage.OutcomeSuccess,
		Tags: []usage.TagCharge{
			{TagID: 3, Path: "engineering/backend", Period: ledger.PeriodDaily, LedgerKey: "2026-08-24", Day: "2026-08-24", Weight: decimal.NewFromInt(1)},
		},
	}
}

func TestNewEvent_StampsAndSeals(t *testing.T) {
	e, err := usage.NewEvent(sampleEvent())
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.NotEmpty(t, e.Fingerprint)
	assert.True(t, e.Verify())
}

func TestFingerprint_StableAcrossRemarshal(t *testing.T) {
	e, err := usage.NewEvent(sampleEvent())
	require.NoError(t, err)

	// The fingerprint of the sealed event recomputes to itself; a mutated
	// copy does not.
	assert.True(t, e.Verify())
	tampered := e
	tampered.USD = decimal.RequireFromString("0.002")
	assert.False(t, tampered.Verify())
}

func TestFingerprint_DistinguishesEvents(t *testing.T) {
	a, err := usage.NewEvent(sampleEvent())
	require.NoError(t, err)
	b, err := usage.NewEvent(sampleEvent())
	require.NoError(t, err)
	// Different ids make different fingerprints even for equal payloads.
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestMemoryStream_AppendReadAck(t *testing.T) {
	s := usage.NewMemoryStream()
	ctx := context.Background()

	e1, _ := usage.NewEvent(sampleEvent())
	e2, _ := usage.NewEvent(sampleEvent())
	require.NoError(t, s.Append(ctx, e1))
	require.NoError(t, s.Append(ctx, e2))

	got, err := s.Read(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, e1.Fingerprint, got[0].Event.Fingerprint)

	// Pending entries are not re-read until redelivered.
	again, err := s.Read(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Ack(ctx, got[0].StreamID))
	assert.Equal(t, 1, s.Pending())

	// A crash before ack puts the second entry back on the stream.
	s.Redeliver()
	redelivered, err := s.Read(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, e2.Fingerprint, redelivered[0].Event.Fingerprint)
}

func TestMemoryStream_ReadHonorsMax(t *testing.T) {
	s := usage.NewMemoryStream()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e, _ := usage.NewEvent(sampleEvent())
		require.NoError(t, s.Append(ctx, e))
	}
	got, err := s.Read(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

// TestRedisStream_RoundTrip requires a running Redis; skipped otherwise.
func TestRedisStream_RoundTrip(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()

	s, err := usage.NewRedisStream(ctx, rdb, "test-consumer")
	require.NoError(t, err)

	e, err := usage.NewEvent(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, e))

	deliveries, err := s.Read(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, deliveries)

	last := deliveries[len(deliveries)-1]
	assert.Equal(t, e.Fingerprint, last.Event.Fingerprint)
	assert.True(t, last.Event.USD.Equal(e.USD))
	require.NoError(t, s.Ack(ctx, last.StreamID))
}
