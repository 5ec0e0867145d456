// Package domain defines core data structures shared by the trading engine,
// the exchange adapters and the reporting pipeline.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Pair cryptocurrency trading pair.
type Pair struct {
	// Base currency symbol.
	Base string
	// Quote currency symbol.
	Quote string
}

// ParsePair parses the underscore-separated form, e.g. "BTC_USDT".
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair: %q", s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

// String returns the underscore-separated representation, e.g. "BTC_USDT".
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}

// Symbol returns the concatenated symbol representation, e.g. "BTCUSDT".
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.Base, p.Quote)
}

// MarshalJSON encodes the pair as its string form.
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the pair from its string form.
func (p *Pair) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePair(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
