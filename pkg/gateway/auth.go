package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/tenants"
)

const authDBTimeout = 5 * time.Second

// credential is the cached pairing of an API key row and its tenant,
// stored under the key digest. Raw secrets never enter the cache.
type credential struct {
	Key    tenants.APIKey `json:"key"`
	Tenant tenants.Tenant `json:"tenant"`
}

// bearerToken extracts the API key from Authorization: Bearer or X-Api-Key.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

// authenticate resolves the request credential: cache by digest first, then
// DB. It returns nil for unknown, inactive, or missing credentials; the
// caller responds 401 and emits nothing.
func (s *Server) authenticate(ctx context.Context, r *http.Request) *credential {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	digest := tenants.DigestSecret(token)
	key := ledger.APIKeyKey(digest)

	if res := s.cache.Get(ctx, key); res.Negative() {
		return nil
	} else if res.Hit {
		var c credential
		if err := json.Unmarshal([]byte(res.Value), &c); err == nil {
			return s.admitCredential(ctx, &c)
		}
	}

	dbCtx, cancel := context.WithTimeout(ctx, authDBTimeout)
	defer cancel()
	apiKey, tenant, err := s.auth.APIKeyByDigest(dbCtx, digest)
	if err != nil {
		s.log.Warn("credential lookup failed", "error", err)
		return nil
	}
	if apiKey == nil {
		s.cache.SetNull(ctx, key, ledger.TTLAPIKey)
		return nil
	}
	c := &credential{Key: *apiKey, Tenant: *tenant}
	if raw, err := json.Marshal(c); err == nil {
		s.cache.Set(ctx, key, string(raw), ledger.TTLAPIKey)
	}
	return s.admitCredential(ctx, c)
}

// admitCredential applies the activity checks and records last use.
func (s *Server) admitCredential(ctx context.Context, c *credential) *credential {
	if !c.Key.IsActive || !c.Tenant.IsActive {
		return nil
	}
	if err := s.auth.TouchAPIKey(ctx, c.Key.ID, s.now()); err != nil {
		s.log.Debug("touch api key failed", "key_id", c.Key.ID, "error", err)
	}
	return c
}
