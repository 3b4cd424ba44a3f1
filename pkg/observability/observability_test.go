package observability_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spendgate/spendgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	p, err := observability.New(context.Background(), observability.Config{})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Record methods are no-ops but must not panic.
	p.RecordRequest(context.Background())
	p.RecordError(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMiddleware_PassesThroughAndCapturesStatus(t *testing.T) {
	p, err := observability.New(context.Background(), observability.Config{})
	require.NoError(t, err)

	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Budget exceeded"}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/completions", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Budget exceeded")
}
