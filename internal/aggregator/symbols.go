package aggregator

import (
	"strings"
	"unicode"
)

// SymbolNormalizer expands bare base assets to trading pairs.
type SymbolNormalizer struct {
	quote string
	bases map[string]struct{}
}

func NewSymbolNormalizer(quote string, bases []string) *SymbolNormalizer {
	n := &SymbolNormalizer{quote: strings.ToUpper(strings.TrimSpace(quote)), bases: make(map[string]struct{}, len(bases))}
	for _, b := range bases {
		if b = strings.ToUpper(strings.TrimSpace(b)); b != "" {
			n.bases[b] = struct{}{}
		}
	}
	return n
}

const perpetualSuffix = "_PERPETUAL"

// Normalize returns the canonical pair for s. "BTC" becomes "BTCUSDT" when
// BTC is a known base and a "_PERPETUAL" contract suffix is dropped; pairs
// and unknown inputs keep their (upper-cased) spelling.
func (n *SymbolNormalizer) Normalize(s string) string {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), perpetualSuffix)
	if s == "" {
		return ""
	}
	if compact := strings.NewReplacer("/", "", "-", "", "_", "").Replace(s); compact != s {
		if strings.HasSuffix(compact, n.quote) {
			return compact
		}
		return s
	}
	if n.quote == "" || (strings.HasSuffix(s, n.quote) && len(s) > len(n.quote)) {
		return s
	}
	if _, ok := n.bases[s]; ok {
		return s + n.quote
	}
	return s
}

// NormalizeAll normalizes and de-duplicates, keeping first-seen order. Each
// input may hold several symbols separated by commas or whitespace.
func (n *SymbolNormalizer) NormalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
		for _, part := range parts {
			sym := n.Normalize(part)
			if sym == "" || seen[sym] {
				continue
			}
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}
