package geo

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	weatherflow "github.com/windcrest/weatherflow"
)

// Administrative suffixes stripped during name normalization, longest
// first so compound suffixes win over their tails.
var nameSuffixes = []string{
	"维吾尔自治区",
	"壮族自治区",
	"回族自治区",
	"特别行政区",
	"自治区",
	"自治州",
	"地区",
	"盟",
	"市",
	"区",
	"县",
	"省",
}

// Resolver matches city text against an in-memory division dataset.
// All lookups run over indexes built once at construction, so Resolve
// and ResolveExact are safe for concurrent use.
type Resolver struct {
	records  []weatherflow.CityRecord
	norms    []string
	byAdcode map[string]int
	limit    int
	logger   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLimit caps how many candidates Resolve returns.
func WithLimit(limit int) ResolverOption {
	return func(r *Resolver) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver builds a resolver over the given dataset records.
func NewResolver(records []weatherflow.CityRecord, options ...ResolverOption) (*Resolver, error) {
	if len(records) == 0 {
		return nil, weatherflow.NewConfigurationError("resolver needs a non-empty dataset", nil)
	}

	r := &Resolver{
		records:  records,
		norms:    make([]string, len(records)),
		byAdcode: make(map[string]int, len(records)),
		limit:    10,
		logger:   slog.Default(),
	}

	for _, option := range options {
		option(r)
	}

	for i, record := range records {
		r.norms[i] = normalizeName(record.Name)
		if _, dup := r.byAdcode[record.Adcode]; dup {
			return nil, weatherflow.NewConfigurationError("duplicate adcode '"+record.Adcode+"' in dataset", nil)
		}
		r.byAdcode[record.Adcode] = i
	}

	return r, nil
}

var _ weatherflow.CityResolver = (*Resolver)(nil)

// Records returns the dataset in load order. The slice is shared and
// must not be mutated.
func (r *Resolver) Records() []weatherflow.CityRecord {
	return r.records
}

// ResolveExact looks up a record by its exact adcode.
func (r *Resolver) ResolveExact(ctx context.Context, adcode string) (weatherflow.CityRecord, error) {
	if err := ctx.Err(); err != nil {
		return weatherflow.CityRecord{}, err
	}
	if !isAdcode(adcode) {
		return weatherflow.CityRecord{}, weatherflow.NewValidationError("resolve", "adcode must be six digits, got '"+adcode+"'", nil)
	}
	if idx, ok := r.byAdcode[adcode]; ok {
		return r.records[idx], nil
	}
	return weatherflow.CityRecord{}, weatherflow.NewCityNotFoundError("resolve", adcode)
}

// Resolve matches free-form city text. The match pipeline tries, in
// order: exact adcode, exact normalized name, name prefix, name
// substring, then bounded edit distance. The first stage with any hits
// wins; later stages never dilute an earlier stage's result.
func (r *Resolver) Resolve(ctx context.Context, query string) ([]weatherflow.CityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, weatherflow.NewValidationError("resolve", "city query must not be empty", nil)
	}

	if isAdcode(query) {
		record, err := r.ResolveExact(ctx, query)
		if err != nil {
			return nil, err
		}
		return []weatherflow.CityRecord{record}, nil
	}

	norm := normalizeName(query)
	if norm == "" {
		return nil, weatherflow.NewCityNotFoundError("resolve", query)
	}

	stages := []func(int) bool{
		func(i int) bool { return r.norms[i] == norm },
		func(i int) bool { return strings.HasPrefix(r.norms[i], norm) },
		func(i int) bool { return strings.Contains(r.norms[i], norm) },
		func(i int) bool { return withinEditDistance(r.norms[i], norm, fuzzyThreshold(norm)) },
	}

	for _, match := range stages {
		candidates := r.collect(match)
		if len(candidates) == 0 {
			continue
		}
		r.logger.Debug("resolved city query",
			"query", query,
			"candidates", len(candidates))
		return candidates, nil
	}

	return nil, weatherflow.NewCityNotFoundError("resolve", query)
}

// collect gathers matching records ranked by level specificity, ties
// broken by dataset order.
func (r *Resolver) collect(match func(int) bool) []weatherflow.CityRecord {
	var indexes []int
	for i := range r.records {
		if match(i) {
			indexes = append(indexes, i)
		}
	}

	sort.SliceStable(indexes, func(a, b int) bool {
		return r.records[indexes[a]].Level.Specificity() > r.records[indexes[b]].Level.Specificity()
	})

	if len(indexes) > r.limit {
		indexes = indexes[:r.limit]
	}

	candidates := make([]weatherflow.CityRecord, len(indexes))
	for i, idx := range indexes {
		candidates[i] = r.records[idx]
	}
	return candidates
}

// normalizeName trims whitespace and strips one administrative suffix.
func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	for _, suffix := range nameSuffixes {
		if trimmed, ok := strings.CutSuffix(name, suffix); ok && trimmed != "" {
			return trimmed
		}
	}
	return name
}

// fuzzyThreshold allows one edit for short names and two otherwise.
func fuzzyThreshold(norm string) int {
	if len([]rune(norm)) <= 4 {
		return 1
	}
	return 2
}

// withinEditDistance reports whether the Levenshtein distance between a
// and b is at most max, bailing out early once a row exceeds the bound.
func withinEditDistance(a, b string, max int) bool {
	ra, rb := []rune(a), []rune(b)
	if diff := len(ra) - len(rb); diff > max || -diff > max {
		return false
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > max {
			return false
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)] <= max
}
