package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// GapMode selects the partial-fill policy applied while waiting for a limit
// order to fill.
type GapMode string

const (
	// GapModeOff waits the full timeout, then cancels the remainder and
	// drains whatever filled.
	GapModeOff GapMode = "off"
	// GapModeDownOnly uses a shorter timeout and accepts a partial fill for
	// draining once the timeout passes.
	GapModeDownOnly GapMode = "down_only"
	// GapModeSymmetric uses the shortest timeout, drains the partial fill and
	// retries the remainder on the next iteration with a reduced cooldown.
	GapModeSymmetric GapMode = "symmetric"
)

// ParseGapMode validates a gap mode token from configuration.
func ParseGapMode(s string) (GapMode, error) {
	switch GapMode(strings.ToLower(strings.TrimSpace(s))) {
	case GapModeOff:
		return GapModeOff, nil
	case GapModeDownOnly, "":
		return GapModeDownOnly, nil
	case GapModeSymmetric:
		return GapModeSymmetric, nil
	default:
		return "", fmt.Errorf("unknown gap mode: %q", s)
	}
}

// PairConfig is one configured trading pair bound to an exchange. It is
// written by the admin collaborator and read by the engine only at cycle
// boundaries.
type PairConfig struct {
	Exchange     string          `json:"exchange"`
	Pair         Pair            `json:"pair"`
	QuoteBudget  decimal.Decimal `json:"quote_budget"`
	DeviationPct decimal.Decimal `json:"deviation_pct"`
	GapMode      GapMode         `json:"gap_mode"`
	Active       bool            `json:"active"`
}

// Key identifies the pair config: identity is (exchange, base, quote).
func (c PairConfig) Key() string {
	return fmt.Sprintf("%s:%s", strings.ToLower(c.Exchange), c.Pair.String())
}

// PairsSnapshot is an immutable versioned view of the configured pairs. The
// engine diff-reconciles running cycles against the latest snapshot.
type PairsSnapshot struct {
	Version uint64       `json:"version"`
	Pairs   []PairConfig `json:"pairs"`
}

// Get returns the config for the given key, if present.
func (s PairsSnapshot) Get(key string) (PairConfig, bool) {
	for _, p := range s.Pairs {
		if p.Key() == key {
			return p, true
		}
	}
	return PairConfig{}, false
}
