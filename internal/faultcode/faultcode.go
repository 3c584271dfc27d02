// Package faultcode resolves spoken diagnostic trouble codes against a
// catalog of known equipment faults.
//
// Inspectors rarely pronounce a code cleanly: "E three sixty one" arrives
// from the transcript as "e 361", "e-361" or a near-miss of the fault title.
// Matching runs in two stages: Double Metaphone codes filter phonetic
// candidates, then Jaro-Winkler similarity on the original strings ranks
// them. A normalized code-identifier comparison short-circuits both stages
// when the inspector read the code digits directly.
package faultcode

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Code is one catalog entry.
type Code struct {
	ID          string   `json:"code" yaml:"code"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Severity    string   `json:"severity" yaml:"severity"`
	Components  []string `json:"components,omitempty" yaml:"components"`
}

// Match is one resolved lookup.
type Match struct {
	Code       Code    `json:"fault"`
	Confidence float64 `json:"confidence"`
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithPhoneticThreshold sets the minimum similarity for a phonetically
// filtered candidate. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Catalog) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum similarity when no phonetic candidate
// exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Catalog) { c.fuzzyThreshold = threshold }
}

// Catalog is a read-only fault-code index. Safe for concurrent use after
// construction.
type Catalog struct {
	codes             []Code
	byNormalizedID    map[string]int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a Catalog from the given codes.
func New(codes []Code, opts ...Option) *Catalog {
	c := &Catalog{
		codes:             codes,
		byNormalizedID:    make(map[string]int, len(codes)),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for i, code := range codes {
		c.byNormalizedID[normalizeID(code.ID)] = i
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Codes returns the catalog entries.
func (c *Catalog) Codes() []Code {
	return append([]Code(nil), c.codes...)
}

// Lookup resolves an exact code identifier, ignoring case, spaces and
// dashes.
func (c *Catalog) Lookup(id string) (Code, bool) {
	idx, ok := c.byNormalizedID[normalizeID(id)]
	if !ok {
		return Code{}, false
	}
	return c.codes[idx], true
}

// Resolve finds the catalog entry best matching a spoken query. matched is
// false when nothing clears the thresholds.
func (c *Catalog) Resolve(query string) (Match, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Match{}, false
	}

	// Stage 0: the inspector read the identifier itself.
	if code, ok := c.Lookup(query); ok {
		return Match{Code: code, Confidence: 1}, true
	}

	queryLower := strings.ToLower(query)
	queryTokens := strings.Fields(queryLower)
	queryCodes := metaphoneCodes(queryTokens)

	type candidate struct {
		idx      int
		score    float64
		coverage float64
		phonetic bool
	}
	best := candidate{idx: -1}

	for i, code := range c.codes {
		titleLower := strings.ToLower(code.Title)
		titleTokens := strings.Fields(titleLower)

		phonetic := codesOverlap(queryCodes, metaphoneCodes(titleTokens))
		coverage := tokenCoverage(queryTokens, titleTokens)
		score := bestSimilarity(coverage, queryLower, titleLower)

		// The identifier participates in ranking too, so "e361 oil" beats a
		// title-only near miss.
		if s := matchr.JaroWinkler(normalizeID(query), normalizeID(code.ID), false); s > score {
			score = s
		}

		better := score > best.score ||
			(score == best.score && coverage > best.coverage)
		if phonetic {
			if score >= c.phoneticThreshold && (!best.phonetic || better) {
				best = candidate{idx: i, score: score, coverage: coverage, phonetic: true}
			}
		} else if !best.phonetic && score >= c.fuzzyThreshold && better {
			best = candidate{idx: i, score: score, coverage: coverage}
		}
	}

	if best.idx < 0 {
		return Match{}, false
	}
	return Match{Code: c.codes[best.idx], Confidence: best.score}, true
}

// normalizeID lowercases a code identifier and strips separators, so
// "E-361", "e 361" and "E361" compare equal.
func normalizeID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch r {
		case ' ', '-', '_', '.':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// tokenCoverage is the mean of each query token's best Jaro-Winkler
// similarity against the title tokens. Averaging over the whole query keeps
// one shared word ("temperature") from scoring a title that misses the rest.
func tokenCoverage(queryTokens, titleTokens []string) float64 {
	if len(queryTokens) == 0 || len(titleTokens) == 0 {
		return 0
	}
	var sum float64
	for _, qt := range queryTokens {
		var tokenBest float64
		for _, tt := range titleTokens {
			if s := matchr.JaroWinkler(qt, tt, false); s > tokenBest {
				tokenBest = s
			}
		}
		sum += tokenBest
	}
	return sum / float64(len(queryTokens))
}

// bestSimilarity is the highest of the token-coverage score and the
// full-string Jaro-Winkler comparison, the latter catching queries whose
// token boundaries differ from the title ("anti freeze" vs "antifreeze").
func bestSimilarity(coverage float64, queryFull, titleFull string) float64 {
	score := matchr.JaroWinkler(queryFull, titleFull, false)
	if coverage > score {
		score = coverage
	}
	return score
}
