package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/tags"
	"github.com/spendgate/spendgate/pkg/tenants"
)

// Store is the authoritative source the resolver falls back to on cache
// miss. Implementations live in pkg/store.
type Store interface {
	// ActiveBudgets returns every active budget row for the tenant, all
	// periods at once.
	ActiveBudgets(ctx context.Context, tenantID int64) ([]Budget, error)
	// Counter returns the running total for one ledger window. An absent row
	// is zero, not an error.
	Counter(ctx context.Context, tenantName, ledgerKey string) (decimal.Decimal, error)
	Session(ctx context.Context, sessionID string) (*Session, error)
	TenantSessionBudget(ctx context.Context, tenantID int64) (*decimal.Decimal, error)
	Tags(ctx context.Context, tenantID int64) ([]tags.Tag, error)
	TagBudgets(ctx context.Context, tagID int64) ([]TagBudget, error)
	// TagUsage returns the weighted running total for a tag budget's window
	// containing at, summed over its day buckets.
	TagUsage(ctx context.Context, tenantName string, tagID int64, period ledger.Period, at time.Time, window *ledger.Window) (decimal.Decimal, error)
}

// Fallback carries the environment-supplied ceilings applied when a tenant
// has no configured budget for an enforced period.
type Fallback struct {
	DefaultUSD *decimal.Decimal
	DailyUSD   *decimal.Decimal
	MonthlyUSD *decimal.Decimal
	Periods    []ledger.Period
}

// ceiling returns the fallback amount for period p, nil when none applies.
func (f Fallback) ceiling(p ledger.Period) *decimal.Decimal {
	switch p {
	case ledger.PeriodDaily:
		if f.DailyUSD != nil {
			return f.DailyUSD
		}
	case ledger.PeriodMonthly:
		if f.MonthlyUSD != nil {
			return f.MonthlyUSD
		}
	}
	return f.DefaultUSD
}

const (
	dbReadTimeout = 5 * time.Second
	arenaLocalTTL = 30 * time.Second
)

// Resolver materializes ResolvedBudgets for a request with a single remote
// batch multi-get plus parallel DB fallback for the misses. It is
// side-effect-free on the durable store; it only writes through to the cache.
type Resolver struct {
	cache    *cache.Cache
	store    Store
	fallback Fallback
	log      *slog.Logger
	now      func() time.Time

	// Local arena copies keep tag-key construction off the remote cache so a
	// resolve stays at one remote round trip in steady state.
	mu     sync.Mutex
	arenas map[int64]arenaEntry
}

type arenaEntry struct {
	arena   *tags.Arena
	expires time.Time
}

// NewResolver builds a resolver over the given cache facade and store.
func NewResolver(c *cache.Cache, s Store, fb Fallback) *Resolver {
	return &Resolver{
		cache:    c,
		store:    s,
		fallback: fb,
		log:      slog.Default().With("component", "budget.resolver"),
		now:      time.Now,
		arenas:   make(map[int64]arenaEntry),
	}
}

// Resolve returns every applicable (budget, usage) pair for the request.
// Partial failure is not fatal: a usage that could not be determined is left
// nil and the policy engine treats it conservatively.
func (r *Resolver) Resolve(ctx context.Context, tenant tenants.Tenant, sessionID string, tagRefs []string) (*ResolvedBudgets, error) {
	now := r.now().UTC()
	out := &ResolvedBudgets{Tenant: tenant}

	arena := r.arena(ctx, tenant)
	requested, unknown := resolveTagRefs(arena, tagRefs)
	out.UnknownTags = unknown

	// Dedup the request tags and their ancestors up front so the batch
	// carries one key per tag.
	tagSet, ancestorsOf, err := collectAncestors(arena, requested)
	if err != nil {
		return nil, fmt.Errorf("budget: resolve tags: %w", err)
	}

	batch := newKeyBatch()
	for _, p := range []ledger.Period{ledger.PeriodDaily, ledger.PeriodMonthly, ledger.PeriodCustom} {
		batch.add(ledger.BudgetKey(tenant.Name, p))
	}
	for _, p := range []ledger.Period{ledger.PeriodDaily, ledger.PeriodMonthly} {
		key, _ := ledger.Key(p, now, nil)
		batch.add(ledger.CounterKey(tenant.Name, key))
	}
	if sessionID != "" {
		batch.add(ledger.SessionKey(sessionID))
		batch.add(ledger.SessionCostKey(sessionID))
		batch.add(ledger.TenantSessionBudgetKey(tenant.ID))
	}
	for _, t := range tagSet {
		batch.add(ledger.TagBudgetKey(t.ID))
		for _, p := range []ledger.Period{ledger.PeriodDaily, ledger.PeriodMonthly} {
			batch.add(ledger.TagUsageKey(tenant.Name, t.ID, p, ledger.DayBucket(now)))
		}
	}

	hits := batch.fetch(ctx, r.cache)

	var wg sync.WaitGroup

	tenantBudgets := r.resolveTenantBudgets(ctx, &wg, tenant, now, hits)
	var session *SessionState
	if sessionID != "" {
		session = r.resolveSession(ctx, &wg, tenant, sessionID, hits)
	}
	tagBudgets := r.resolveTagBudgets(ctx, &wg, tenant, now, requested, tagSet, ancestorsOf, hits)

	wg.Wait()

	out.TenantBudgets = *tenantBudgets
	out.Session = session
	out.TagBudgets = *tagBudgets
	return out, nil
}

// keyBatch accumulates cache keys and resolves them in one round trip.
type keyBatch struct {
	keys []string
	seen map[string]bool
}

func newKeyBatch() *keyBatch {
	return &keyBatch{seen: make(map[string]bool)}
}

func (b *keyBatch) add(key string) {
	if !b.seen[key] {
		b.seen[key] = true
		b.keys = append(b.keys, key)
	}
}

func (b *keyBatch) fetch(ctx context.Context, c *cache.Cache) map[string]cache.Result {
	results := c.MGet(ctx, b.keys)
	out := make(map[string]cache.Result, len(b.keys))
	for i, k := range b.keys {
		out[k] = results[i]
	}
	return out
}

// dbRead runs fn with the per-read timeout on its own goroutine.
func (r *Resolver) dbRead(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// arena returns the tenant's tag arena: local copy, then cache, then DB.
// A nil return means tags could not be resolved at all this request.
func (r *Resolver) arena(ctx context.Context, tenant tenants.Tenant) *tags.Arena {
	r.mu.Lock()
	if e, ok := r.arenas[tenant.ID]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return e.arena
	}
	r.mu.Unlock()

	key := ledger.TagListKey(tenant.ID)
	if res := r.cache.Get(ctx, key); res.Hit && !res.Negative() {
		var list []tags.Tag
		if err := json.Unmarshal([]byte(res.Value), &list); err == nil {
			return r.storeArena(tenant.ID, tags.NewArena(list))
		}
	} else if res.Negative() {
		return r.storeArena(tenant.ID, tags.NewArena(nil))
	}

	ctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
	defer cancel()
	list, err := r.store.Tags(ctx, tenant.ID)
	if err != nil {
		r.log.Warn("tag list unresolved", "tenant", tenant.Name, "error", err)
		return nil
	}
	if raw, err := json.Marshal(list); err == nil {
		r.cache.Set(ctx, key, string(raw), ledger.TTLTagList)
	}
	return r.storeArena(tenant.ID, tags.NewArena(list))
}

func (r *Resolver) storeArena(tenantID int64, a *tags.Arena) *tags.Arena {
	r.mu.Lock()
	r.arenas[tenantID] = arenaEntry{arena: a, expires: r.now().Add(arenaLocalTTL)}
	r.mu.Unlock()
	return a
}

func resolveTagRefs(arena *tags.Arena, refs []string) (resolved []tags.Tag, unknown []string) {
	seen := make(map[int64]bool)
	for _, ref := range refs {
		if arena == nil {
			unknown = append(unknown, ref)
			continue
		}
		t, ok := arena.Resolve(ref)
		if !ok {
			unknown = append(unknown, ref)
			continue
		}
		if !seen[t.ID] {
			seen[t.ID] = true
			resolved = append(resolved, t)
		}
	}
	return resolved, unknown
}

// collectAncestors returns the deduped set of request tags plus all their
// ancestors, and the ancestor chain per request tag.
func collectAncestors(arena *tags.Arena, requested []tags.Tag) ([]tags.Tag, map[int64][]tags.Tag, error) {
	var set []tags.Tag
	seen := make(map[int64]bool)
	chains := make(map[int64][]tags.Tag, len(requested))
	for _, t := range requested {
		if !seen[t.ID] {
			seen[t.ID] = true
			set = append(set, t)
		}
		chain, err := arena.Ancestors(t.ID)
		if err != nil {
			return nil, nil, err
		}
		chains[t.ID] = chain
		for _, a := range chain {
			if !seen[a.ID] {
				seen[a.ID] = true
				set = append(set, a)
			}
		}
	}
	return set, chains, nil
}

// resolveTenantBudgets produces the per-period tenant ceilings with usage.
// The returned slice pointer is filled in after wg completes.
func (r *Resolver) resolveTenantBudgets(ctx context.Context, wg *sync.WaitGroup, tenant tenants.Tenant, now time.Time, hits map[string]cache.Result) *[]TenantBudget {
	out := &[]TenantBudget{}
	var mu sync.Mutex

	configured := make(map[ledger.Period][]Budget)
	var missing []ledger.Period
	for _, p := range []ledger.Period{ledger.PeriodDaily, ledger.PeriodMonthly, ledger.PeriodCustom} {
		res := hits[ledger.BudgetKey(tenant.Name, p)]
		switch {
		case res.Negative():
			configured[p] = nil
		case res.Hit:
			var list []Budget
			if err := json.Unmarshal([]byte(res.Value), &list); err == nil {
				configured[p] = list
			} else {
				missing = append(missing, p)
			}
		default:
			missing = append(missing, p)
		}
	}

	finish := func(byPeriod map[ledger.Period][]Budget, complete bool) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range []ledger.Period{ledger.PeriodDaily, ledger.PeriodMonthly, ledger.PeriodCustom} {
			for _, b := range byPeriod[p] {
				*out = append(*out, r.tenantBudgetUsage(ctx, tenant, now, b, hits))
			}
		}
		// Fallback ceilings apply only when the period has no configured
		// budget and its config was actually resolved.
		if !complete {
			return
		}
		for _, p := range r.fallback.Periods {
			if len(byPeriod[p]) > 0 {
				continue
			}
			amount := r.fallback.ceiling(p)
			if amount == nil {
				continue
			}
			key, err := ledger.Key(p, now, nil)
			if err != nil {
				continue
			}
			tb := TenantBudget{
				Budget:    Budget{TenantID: tenant.ID, Period: p, AmountUSD: *amount, IsActive: true},
				LedgerKey: key,
				Fallback:  true,
			}
			tb.Usage = r.counterUsage(ctx, tenant, p, now, nil, hits)
			*out = append(*out, tb)
		}
	}

	if len(missing) == 0 {
		finish(configured, true)
		return out
	}

	// One DB query covers every missing period.
	r.dbRead(ctx, wg, func(ctx context.Context) {
		all, err := r.store.ActiveBudgets(ctx, tenant.ID)
		if err != nil {
			r.log.Warn("budget config unresolved", "tenant", tenant.Name, "error", err)
			finish(configured, false)
			return
		}
		byPeriod := make(map[ledger.Period][]Budget)
		for _, b := range all {
			byPeriod[b.Period] = append(byPeriod[b.Period], b)
		}
		for _, p := range missing {
			configured[p] = byPeriod[p]
			key := ledger.BudgetKey(tenant.Name, p)
			if len(byPeriod[p]) == 0 {
				r.cache.SetNull(ctx, key, ledger.TTLBudgetConfig)
				continue
			}
			if raw, err := json.Marshal(byPeriod[p]); err == nil {
				r.cache.Set(ctx, key, string(raw), ledger.TTLBudgetConfig)
			}
		}
		finish(configured, true)
	})
	return out
}

// tenantBudgetUsage attaches the current counter value to one budget row.
func (r *Resolver) tenantBudgetUsage(ctx context.Context, tenant tenants.Tenant, now time.Time, b Budget, hits map[string]cache.Result) TenantBudget {
	key, err := ledger.Key(b.Period, now, b.Window())
	if err != nil {
		r.log.Warn("budget window invalid", "tenant", tenant.Name, "period", b.Period, "error", err)
		return TenantBudget{Budget: b}
	}
	tb := TenantBudget{Budget: b, LedgerKey: key}
	tb.Usage = r.counterUsage(ctx, tenant, b.Period, now, b.Window(), hits)
	return tb
}

// counterUsage reads a ledger counter: batch hit first, then DB. Custom
// windows skip the batch since their keys depend on the budget row.
func (r *Resolver) counterUsage(ctx context.Context, tenant tenants.Tenant, period ledger.Period, now time.Time, window *ledger.Window, hits map[string]cache.Result) *decimal.Decimal {
	key, err := ledger.Key(period, now, window)
	if err != nil {
		return nil
	}
	counterKey := ledger.CounterKey(tenant.Name, key)
	if hits != nil {
		if res, ok := hits[counterKey]; ok && res.Hit && !res.Negative() {
			if v, err := decimal.NewFromString(res.Value); err == nil {
				return &v
			}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
	defer cancel()
	v, err := r.store.Counter(ctx, tenant.Name, key)
	if err != nil {
		r.log.Warn("counter unresolved", "tenant", tenant.Name, "key", key, "error", err)
		return nil
	}
	if ttl, err := ledger.TTL(period, now, window); err == nil {
		r.cache.Set(ctx, counterKey, v.String(), ttl)
	}
	return &v
}

// resolveSession derives the session ceiling (explicit override, else tenant
// default, else unbounded) and its cumulative cost.
func (r *Resolver) resolveSession(ctx context.Context, wg *sync.WaitGroup, tenant tenants.Tenant, sessionID string, hits map[string]cache.Result) *SessionState {
	st := &SessionState{SessionID: sessionID, CurrentCostUSD: decimal.Zero}
	var mu sync.Mutex

	var sess *Session
	sessionResolved := false
	if res := hits[ledger.SessionKey(sessionID)]; res.Negative() {
		sessionResolved = true // confirmed new session
	} else if res.Hit {
		var s Session
		if err := json.Unmarshal([]byte(res.Value), &s); err == nil {
			sess = &s
			sessionResolved = true
		}
	}

	costResolved := false
	if res := hits[ledger.SessionCostKey(sessionID)]; res.Hit && !res.Negative() {
		if v, err := decimal.NewFromString(res.Value); err == nil {
			st.CurrentCostUSD = v
			costResolved = true
		}
	}

	var tenantDefault *decimal.Decimal
	defaultResolved := false
	if res := hits[ledger.TenantSessionBudgetKey(tenant.ID)]; res.Negative() {
		defaultResolved = true
	} else if res.Hit {
		if v, err := decimal.NewFromString(res.Value); err == nil {
			tenantDefault = &v
			defaultResolved = true
		}
	}

	apply := func() {
		mu.Lock()
		defer mu.Unlock()
		st.Session = sess
		if sess != nil && sess.EffectiveBudgetUSD != nil {
			st.EffectiveBudgetUSD = sess.EffectiveBudgetUSD
		} else {
			st.EffectiveBudgetUSD = tenantDefault
		}
		if !costResolved && sess != nil {
			st.CurrentCostUSD = sess.CurrentCostUSD
			costResolved = true
		}
		if !costResolved && sessionResolved && sess == nil {
			// Confirmed new session: zero spend so far.
			costResolved = true
		}
		st.CostResolved = costResolved
	}

	var pending sync.WaitGroup
	if !sessionResolved {
		pending.Add(1)
		r.dbRead(ctx, wg, func(ctx context.Context) {
			defer pending.Done()
			s, err := r.store.Session(ctx, sessionID)
			if err != nil {
				r.log.Warn("session unresolved", "session", sessionID, "error", err)
				return
			}
			mu.Lock()
			sess = s
			sessionResolved = true
			mu.Unlock()
			key := ledger.SessionKey(sessionID)
			if s == nil {
				r.cache.SetNull(ctx, key, ledger.TTLSession)
				return
			}
			if raw, err := json.Marshal(s); err == nil {
				r.cache.Set(ctx, key, string(raw), ledger.TTLSession)
			}
			r.cache.Set(ctx, ledger.SessionCostKey(sessionID), s.CurrentCostUSD.String(), ledger.TTLSessionCost)
		})
	}
	if !defaultResolved {
		pending.Add(1)
		r.dbRead(ctx, wg, func(ctx context.Context) {
			defer pending.Done()
			v, err := r.store.TenantSessionBudget(ctx, tenant.ID)
			if err != nil {
				r.log.Warn("tenant session budget unresolved", "tenant", tenant.Name, "error", err)
				return
			}
			mu.Lock()
			tenantDefault = v
			mu.Unlock()
			key := ledger.TenantSessionBudgetKey(tenant.ID)
			if v == nil {
				r.cache.SetNull(ctx, key, ledger.TTLTenantSessionBudget)
				return
			}
			r.cache.Set(ctx, key, v.String(), ledger.TTLTenantSessionBudget)
		})
	}

	// apply runs after the DB reads the caller waits on; hook it onto its
	// own goroutine so Resolve's wg.Wait sees the final state.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pending.Wait()
		apply()
	}()
	return st
}

// resolveTagBudgets materializes the applicable tag ceilings: each request
// tag's own budgets plus every STRICT/LENIENT ancestor budget.
func (r *Resolver) resolveTagBudgets(ctx context.Context, wg *sync.WaitGroup, tenant tenants.Tenant, now time.Time, requested, tagSet []tags.Tag, ancestorsOf map[int64][]tags.Tag, hits map[string]cache.Result) *[]ResolvedTagBudget {
	out := &[]ResolvedTagBudget{}
	if len(tagSet) == 0 {
		return out
	}
	var mu sync.Mutex

	configs := make(map[int64][]TagBudget, len(tagSet))
	var pending sync.WaitGroup
	for _, t := range tagSet {
		t := t
		res := hits[ledger.TagBudgetKey(t.ID)]
		switch {
		case res.Negative():
			configs[t.ID] = nil
		case res.Hit:
			var list []TagBudget
			if err := json.Unmarshal([]byte(res.Value), &list); err == nil {
				configs[t.ID] = list
				continue
			}
			fallthrough
		default:
			pending.Add(1)
			r.dbRead(ctx, wg, func(ctx context.Context) {
				defer pending.Done()
				list, err := r.store.TagBudgets(ctx, t.ID)
				if err != nil {
					r.log.Warn("tag budget config unresolved", "tag", t.Path, "error", err)
					return
				}
				mu.Lock()
				configs[t.ID] = list
				mu.Unlock()
				key := ledger.TagBudgetKey(t.ID)
				if len(list) == 0 {
					r.cache.SetNull(ctx, key, ledger.TTLTagBudgetConfig)
					return
				}
				if raw, err := json.Marshal(list); err == nil {
					r.cache.Set(ctx, key, string(raw), ledger.TTLTagBudgetConfig)
				}
			})
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pending.Wait()

		// Deduplicate (tag, budget) pairs: a budget consulted through two
		// request tags still charges once.
		seen := make(map[int64]bool)
		var resolved []ResolvedTagBudget
		appendBudgets := func(owner tags.Tag, inherited bool) {
			mu.Lock()
			list := configs[owner.ID]
			mu.Unlock()
			for _, tb := range list {
				if !tb.IsActive || seen[tb.ID] {
					continue
				}
				if inherited && tb.InheritanceMode != InheritStrict && tb.InheritanceMode != InheritLenient {
					continue
				}
				seen[tb.ID] = true
				resolved = append(resolved, r.tagBudgetUsage(ctx, tenant, now, owner, tb, inherited, hits))
			}
		}
		for _, t := range requested {
			appendBudgets(t, false)
			for _, anc := range ancestorsOf[t.ID] {
				appendBudgets(anc, true)
			}
		}

		mu.Lock()
		*out = resolved
		mu.Unlock()
	}()
	return out
}

func (r *Resolver) tagBudgetUsage(ctx context.Context, tenant tenants.Tenant, now time.Time, owner tags.Tag, tb TagBudget, inherited bool, hits map[string]cache.Result) ResolvedTagBudget {
	var window *ledger.Window
	if tb.Period == ledger.PeriodCustom && tb.StartDate != nil && tb.EndDate != nil {
		window = &ledger.Window{Start: *tb.StartDate, End: *tb.EndDate}
	}
	res := ResolvedTagBudget{
		Tag:             owner,
		Budget:          tb,
		Inherited:       inherited,
		EffectiveWeight: tb.Weight,
		Day:             ledger.DayBucket(now),
	}
	key, err := ledger.Key(tb.Period, now, window)
	if err != nil {
		return res
	}
	res.LedgerKey = key

	usageKey := ledger.TagUsageKey(tenant.Name, owner.ID, tb.Period, res.Day)
	if hits != nil {
		if hit, ok := hits[usageKey]; ok && hit.Hit && !hit.Negative() {
			if v, err := decimal.NewFromString(hit.Value); err == nil {
				res.WeightedUsage = &v
				return res
			}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
	defer cancel()
	v, err := r.store.TagUsage(ctx, tenant.Name, owner.ID, tb.Period, now, window)
	if err != nil {
		r.log.Warn("tag usage unresolved", "tag", owner.Path, "error", err)
		return res
	}
	res.WeightedUsage = &v
	r.cache.Set(ctx, usageKey, v.String(), ledger.TTLTagUsage)
	return res
}
