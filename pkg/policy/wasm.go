package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wasmEvalTimeout bounds one guest evaluation.
const wasmEvalTimeout = time.Second

// wasmRequest is the wire form handed to the guest on stdin. Monetary
// values travel as decimal strings.
type wasmRequest struct {
	Tenant      string       `json:"tenant"`
	Route       string       `json:"route"`
	Timestamp   int64        `json:"timestamp"`
	RateAllowed bool         `json:"rate_allowed"`
	Tags        []string     `json:"tags"`
	Budgets     []wasmBudget `json:"budgets"`
	Session     *wasmSession `json:"session,omitempty"`
}

type wasmBudget struct {
	Scope  string `json:"scope"` // "tenant" or "tag"
	Period string `json:"period"`
	Amount string `json:"amount_usd"`
	Usage  string `json:"usage_usd,omitempty"`
	Strict bool   `json:"strict"`
}

type wasmSession struct {
	ID     string `json:"id"`
	Cost   string `json:"cost_usd"`
	Budget string `json:"budget_usd,omitempty"`
}

type wasmDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// WASMEngine hosts a guest rule evaluator in a deny-by-default wazero
// sandbox: no filesystem, no network, no environment. The guest reads one
// JSON request on stdin and writes one JSON decision on stdout. The fixed
// budget rules still run first; the guest can only narrow the outcome.
type WASMEngine struct {
	base     *RuleEngine
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	modCfg   wazero.ModuleConfig
}

// NewWASMEngine compiles the guest module once.
func NewWASMEngine(ctx context.Context, wasmBytes []byte) (*WASMEngine, error) {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: wasm compile: %w", err)
	}
	modCfg := wazero.NewModuleConfig().
		WithName("policy-guest").
		WithStartFunctions("_start")

	return &WASMEngine{
		base:     NewRuleEngine(),
		runtime:  r,
		compiled: compiled,
		modCfg:   modCfg,
	}, nil
}

// LoadWASMEngine reads and compiles a guest module from disk.
func LoadWASMEngine(ctx context.Context, path string) (*WASMEngine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read wasm: %w", err)
	}
	return NewWASMEngine(ctx, raw)
}

// Close frees the runtime.
func (e *WASMEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Evaluate runs the fixed rules, then the guest. Any guest failure denies.
func (e *WASMEngine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	d, err := e.base.Evaluate(ctx, in)
	if err != nil || !d.Allow {
		return d, err
	}

	ctx, cancel := context.WithTimeout(ctx, wasmEvalTimeout)
	defer cancel()

	payload, err := json.Marshal(wireRequest(in))
	if err != nil {
		return deny(ReasonDenied), fmt.Errorf("policy: wasm input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cfg := e.modCfg.
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return deny(ReasonDenied), fmt.Errorf("policy: wasm timed out: %w", ctx.Err())
		}
		return deny(ReasonDenied), fmt.Errorf("policy: wasm run: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	var out wasmDecision
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return deny(ReasonDenied), fmt.Errorf("policy: wasm output: %w (stderr: %s)", err, stderr.String())
	}
	if !out.Allow {
		reason := out.Reason
		if reason == "" {
			reason = ReasonDenied
		}
		return deny(reason), nil
	}
	return allow, nil
}

func wireRequest(in Input) wasmRequest {
	req := wasmRequest{
		Tenant:      in.TenantName,
		Route:       in.Route,
		Timestamp:   in.Now.Unix(),
		RateAllowed: in.RateAllowed,
		Tags:        []string{},
	}
	if in.Budgets == nil {
		return req
	}
	for _, tb := range in.Budgets.TenantBudgets {
		b := wasmBudget{
			Scope:  "tenant",
			Period: string(tb.Budget.Period),
			Amount: tb.Budget.AmountUSD.String(),
			Strict: true,
		}
		if tb.Usage != nil {
			b.Usage = tb.Usage.String()
		}
		req.Budgets = append(req.Budgets, b)
	}
	for _, tb := range in.Budgets.TagBudgets {
		req.Tags = append(req.Tags, tb.Tag.Path)
		b := wasmBudget{
			Scope:  "tag",
			Period: string(tb.Budget.Period),
			Amount: tb.Budget.AmountUSD.String(),
			Strict: tb.Budget.InheritanceMode == budget.InheritStrict,
		}
		if tb.WeightedUsage != nil {
			b.Usage = tb.WeightedUsage.String()
		}
		req.Budgets = append(req.Budgets, b)
	}
	if s := in.Budgets.Session; s != nil {
		ws := &wasmSession{ID: s.SessionID, Cost: s.CurrentCostUSD.String()}
		if s.EffectiveBudgetUSD != nil {
			ws.Budget = s.EffectiveBudgetUSD.String()
		}
		req.Session = ws
	}
	return req
}
