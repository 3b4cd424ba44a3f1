// Package pricing converts token usage into monetary cost using versioned
// per-model price rows. All arithmetic is decimal; floats never touch a
// stored ledger value.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/spendgate/spendgate/pkg/ledger"
	"gopkg.in/yaml.v3"
)

// ModelPricing is one immutable price row. Prices are USD per one million
// tokens. New prices are new rows with a higher version tag; existing rows
// are never edited.
type ModelPricing struct {
	ID               int64           `json:"id"`
	Model            string          `json:"model"`
	VersionTag       string          `json:"version_tag"`
	Provider         string          `json:"provider"`
	InputPrice       decimal.Decimal `json:"input_price"`
	CachedInputPrice decimal.Decimal `json:"cached_input_price"`
	OutputPrice      decimal.Decimal `json:"output_price"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Usage is the token triple a provider response reports.
type Usage struct {
	PromptTokens       int64
	CachedPromptTokens int64
	CompletionTokens   int64
}

var million = decimal.NewFromInt(1_000_000)

// Cost is the pure pricing function. Negative token counts are treated as
// zero; the result is exact decimal arithmetic.
func Cost(p ModelPricing, u Usage) decimal.Decimal {
	prompt := clampTokens(u.PromptTokens)
	cached := clampTokens(u.CachedPromptTokens)
	completion := clampTokens(u.CompletionTokens)

	return prompt.Mul(p.InputPrice).Div(million).
		Add(cached.Mul(p.CachedInputPrice).Div(million)).
		Add(completion.Mul(p.OutputPrice).Div(million))
}

func clampTokens(n int64) decimal.Decimal {
	if n < 0 {
		n = 0
	}
	return decimal.NewFromInt(n)
}

// Repo is the authoritative pricing source.
type Repo interface {
	// PricingVersions returns every row for the model, any order.
	PricingVersions(ctx context.Context, model string) ([]ModelPricing, error)
}

// Table is the read-through pricing lookup: cache first, repo on miss, with
// the current row chosen by highest semver version tag.
type Table struct {
	cache *cache.Cache
	repo  Repo
	log   *slog.Logger
}

// NewTable builds a pricing table over the given cache and repo.
func NewTable(c *cache.Cache, repo Repo) *Table {
	return &Table{
		cache: c,
		repo:  repo,
		log:   slog.Default().With("component", "pricing"),
	}
}

// Current returns the effective price row for model, or nil when the model
// has no pricing at all.
func (t *Table) Current(ctx context.Context, model string) (*ModelPricing, error) {
	key := ledger.ModelPricingKey(model)
	if res := t.cache.Get(ctx, key); res.Negative() {
		return nil, nil
	} else if res.Hit {
		var p ModelPricing
		if err := json.Unmarshal([]byte(res.Value), &p); err == nil {
			return &p, nil
		}
	}

	rows, err := t.repo.PricingVersions(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("pricing: lookup %s: %w", model, err)
	}
	current := CurrentVersion(rows)
	if current == nil {
		t.cache.SetNull(ctx, key, ledger.TTLModelPricing)
		return nil, nil
	}
	if raw, err := json.Marshal(current); err == nil {
		t.cache.Set(ctx, key, string(raw), ledger.TTLModelPricing)
	}
	return current, nil
}

// Price resolves the model's current row and prices the usage. An unknown
// model prices to zero with a warning; a repo failure likewise (the request
// already succeeded upstream, so the ledger records it unpriced rather than
// losing it).
func (t *Table) Price(ctx context.Context, model string, u Usage) (decimal.Decimal, bool) {
	row, err := t.Current(ctx, model)
	if err != nil {
		t.log.Warn("pricing lookup failed, recording zero cost", "model", model, "error", err)
		return decimal.Zero, false
	}
	if row == nil {
		t.log.Warn("unknown model, recording zero cost", "model", model)
		return decimal.Zero, false
	}
	return Cost(*row, u), true
}

// CurrentVersion picks the row with the highest semver version tag. Rows
// with unparsable tags lose to any parsable tag; among unparsable rows the
// newest CreatedAt wins.
func CurrentVersion(rows []ModelPricing) *ModelPricing {
	var best *ModelPricing
	var bestVer *semver.Version
	for i := range rows {
		row := &rows[i]
		ver, err := semver.NewVersion(row.VersionTag)
		switch {
		case best == nil:
			best, bestVer = row, nil
			if err == nil {
				bestVer = ver
			}
		case err == nil && bestVer == nil:
			best, bestVer = row, ver
		case err == nil && ver.GreaterThan(bestVer):
			best, bestVer = row, ver
		case err != nil && bestVer == nil && row.CreatedAt.After(best.CreatedAt):
			best = row
		}
	}
	return best
}

// seedRow is one entry of the YAML pricing seed file.
type seedRow struct {
	Model            string `yaml:"model"`
	VersionTag       string `yaml:"version_tag"`
	Provider         string `yaml:"provider"`
	InputPrice       string `yaml:"input_price"`
	CachedInputPrice string `yaml:"cached_input_price"`
	OutputPrice      string `yaml:"output_price"`
}

// LoadSeed parses a YAML pricing seed file into rows ready for upsert.
func LoadSeed(path string) ([]ModelPricing, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read seed: %w", err)
	}
	var file struct {
		Models []seedRow `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("pricing: parse seed: %w", err)
	}
	out := make([]ModelPricing, 0, len(file.Models))
	for _, r := range file.Models {
		if r.Model == "" {
			return nil, fmt.Errorf("pricing: seed row without model")
		}
		row := ModelPricing{Model: r.Model, VersionTag: r.VersionTag, Provider: r.Provider}
		if row.VersionTag == "" {
			row.VersionTag = "1.0.0"
		}
		if row.InputPrice, err = parsePrice(r.InputPrice); err != nil {
			return nil, fmt.Errorf("pricing: seed %s input_price: %w", r.Model, err)
		}
		if row.CachedInputPrice, err = parsePrice(r.CachedInputPrice); err != nil {
			return nil, fmt.Errorf("pricing: seed %s cached_input_price: %w", r.Model, err)
		}
		if row.OutputPrice, err = parsePrice(r.OutputPrice); err != nil {
			return nil, fmt.Errorf("pricing: seed %s output_price: %w", r.Model, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
