package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/policy"
	"github.com/spendgate/spendgate/pkg/pricing"
	"github.com/spendgate/spendgate/pkg/provider"
	"github.com/spendgate/spendgate/pkg/tenants"
	"github.com/spendgate/spendgate/pkg/usage"
)

// handleInference runs the admission pipeline for one request. Order is
// fixed: auth (401, no events), rate limit (429, no events), resolution and
// policy (403, blocked event), dispatch (pass-through status, failed
// event), pricing, emission, reply.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	route := r.URL.Path

	cred := s.authenticate(ctx, r)
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	tenant := cred.Tenant

	preq, err := parseRequest(route, r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rate, err := s.limiter.Allow(ctx, tenant.Name, tenant.RateLimitPerMin)
	if err != nil {
		// Limiter store failure admits; budgets still enforce downstream.
		s.log.Warn("rate limiter unavailable", "tenant", tenant.Name, "error", err)
		rate.Allowed = true
	}
	if !rate.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(rate.RetryAfter))
		writeError(w, http.StatusTooManyRequests, policy.ReasonRateLimited)
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	tagRefs := r.Header.Values("X-Tag")

	resolved, err := s.resolver.Resolve(ctx, tenant, sessionID, tagRefs)
	if err != nil {
		s.log.Warn("budget resolution failed", "tenant", tenant.Name, "error", err)
		resolved = nil
	}
	if resolved != nil && len(resolved.UnknownTags) > 0 {
		s.log.Warn("unknown tags ignored", "tenant", tenant.Name, "tags", resolved.UnknownTags)
	}

	decision, err := s.engine.Evaluate(ctx, policy.Input{
		TenantName:  tenant.Name,
		Route:       route,
		Now:         s.now().UTC(),
		Budgets:     resolved,
		RateAllowed: true,
	})
	if err != nil {
		s.log.Warn("policy evaluation failed", "tenant", tenant.Name, "error", err)
		decision = policy.Decision{Reason: policy.ReasonDenied}
	}
	if !decision.Allow {
		s.emit(ctx, tenant, preq, sessionID, resolved, usage.OutcomeBlocked, decimal.Zero, provider.Usage{}, preq.Model)
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}

	resp, err := s.dispatcher.Dispatch(ctx, preq)
	if err != nil {
		s.replyUpstreamError(ctx, w, tenant, preq, sessionID, resolved, err)
		return
	}

	usd, priced := s.pricer.Price(ctx, resp.Model, pricing.Usage{
		PromptTokens:       resp.Usage.PromptTokens,
		CachedPromptTokens: resp.Usage.CachedPromptTokens,
		CompletionTokens:   resp.Usage.CompletionTokens,
	})
	if !priced {
		s.log.Warn("model not priced, charging zero", "model", resp.Model)
	}

	// A disconnect observed before emission aborts the pipeline; once the
	// event is out the cost is incurred and cancellation is ignored.
	if ctx.Err() != nil {
		return
	}
	s.emit(ctx, tenant, preq, sessionID, resolved, usage.OutcomeSuccess, usd, resp.Usage, resp.Model)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// replyUpstreamError maps a dispatch failure to a response and a failed
// event with cost zero.
func (s *Server) replyUpstreamError(ctx context.Context, w http.ResponseWriter, tenant tenants.Tenant, preq provider.Request, sessionID string, resolved *budget.ResolvedBudgets, err error) {
	var ue *provider.UpstreamError
	switch {
	case errors.As(err, &ue):
		s.emit(ctx, tenant, preq, sessionID, resolved, usage.OutcomeFailed, decimal.Zero, provider.Usage{}, preq.Model)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.Status)
		_, _ = w.Write(ue.Body)
	case errors.Is(err, provider.ErrProviderDisabled), errors.Is(err, provider.ErrUnknownProvider):
		s.emit(ctx, tenant, preq, sessionID, resolved, usage.OutcomeFailed, decimal.Zero, provider.Usage{}, preq.Model)
		writeError(w, http.StatusBadGateway, "Upstream provider unavailable")
	case ctx.Err() != nil:
		// Client went away; the upstream call was cancelled before emission.
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("upstream call timed out", "provider", preq.Provider, "error", err)
		s.emit(ctx, tenant, preq, sessionID, resolved, usage.OutcomeFailed, decimal.Zero, provider.Usage{}, preq.Model)
		writeError(w, http.StatusGatewayTimeout, "Upstream timeout")
	default:
		// Transport failures that are not timeouts: DNS, TLS, refused.
		s.log.Warn("upstream dispatch failed", "provider", preq.Provider, "error", err)
		s.emit(ctx, tenant, preq, sessionID, resolved, usage.OutcomeFailed, decimal.Zero, provider.Usage{}, preq.Model)
		writeError(w, http.StatusBadGateway, "Upstream provider unavailable")
	}
}

// emit appends a usage event within the append deadline. Failures are
// logged, never propagated: the accountant tolerates under-accounting
// windows during stream outages.
func (s *Server) emit(ctx context.Context, tenant tenants.Tenant, preq provider.Request, sessionID string, resolved *budget.ResolvedBudgets, outcome string, usd decimal.Decimal, tokens provider.Usage, model string) {
	e, err := usage.NewEvent(usage.Event{
		TenantID:           tenant.ID,
		TenantName:         tenant.Name,
		Route:              preq.Route,
		Model:              model,
		PromptTokens:       tokens.PromptTokens,
		CachedPromptTokens: tokens.CachedPromptTokens,
		CompletionTokens:   tokens.CompletionTokens,
		USD:                usd,
		SessionID:          sessionID,
		Outcome:            outcome,
		Tags:               tagCharges(resolved),
	})
	if err != nil {
		s.log.Warn("event construction failed", "tenant", tenant.Name, "error", err)
		return
	}
	// Emission survives a client disconnect that happens after dispatch.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()
	if err := s.stream.Append(appendCtx, e); err != nil {
		s.log.Warn("usage event append failed", "tenant", tenant.Name, "fingerprint", e.Fingerprint, "error", err)
	}
}

// tagCharges translates the resolved tag ceilings into worker charges: one
// per (tag, budget) with the effective weight already folded in.
func tagCharges(resolved *budget.ResolvedBudgets) []usage.TagCharge {
	if resolved == nil {
		return nil
	}
	out := make([]usage.TagCharge, 0, len(resolved.TagBudgets))
	for _, tb := range resolved.TagBudgets {
		out = append(out, usage.TagCharge{
			TagID:     tb.Tag.ID,
			Path:      tb.Tag.Path,
			Period:    tb.Budget.Period,
			LedgerKey: tb.LedgerKey,
			Day:       tb.Day,
			Weight:    tb.EffectiveWeight,
		})
	}
	return out
}
