// Package search finds external references (repositories, packages,
// documentation) that plans can draw on.
package search

import "context"

// Scope selects which corner of the ecosystem to search.
type Scope string

const (
	ScopeCode     Scope = "code"     // code hosting (repositories)
	ScopePackages Scope = "packages" // package registries
	ScopeDocs     Scope = "docs"     // documentation and Q&A
)

// Query is one search request.
type Query struct {
	Terms      string
	Scope      Scope
	MaxResults int
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
	License string `json:"license,omitempty"`
}

// Searcher executes queries against external indexes.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// FilterByLicense keeps results whose license is in the allow list.
// Results without license metadata are dropped; an empty allow list keeps
// everything.
func FilterByLicense(results []Result, allowed []string) []Result {
	if len(allowed) == 0 {
		return results
	}
	allow := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		allow[l] = true
	}

	var kept []Result
	for _, r := range results {
		if allow[r.License] {
			kept = append(kept, r)
		}
	}
	return kept
}
