package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aide-dev/aide/internal/logging"
)

// HTTPClient interface for HTTP requests (enables testing)
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

const (
	defaultGitHubURL = "https://api.github.com/search/repositories"
	defaultNPMURL    = "https://registry.npmjs.org/-/v1/search"
	defaultDocsURL   = "https://api.stackexchange.com/2.3/search/advanced"

	defaultMaxResults = 10
)

// HTTPSearcher queries public indexes over HTTP.
type HTTPSearcher struct {
	client HTTPClient
	log    *logging.Logger

	// Endpoint overrides, primarily for tests.
	GitHubURL string
	NPMURL    string
	DocsURL   string
}

var _ Searcher = (*HTTPSearcher)(nil)

// NewHTTPSearcher creates a searcher with the given client.
func NewHTTPSearcher(client HTTPClient) *HTTPSearcher {
	return &HTTPSearcher{
		client:    client,
		log:       logging.New("search"),
		GitHubURL: defaultGitHubURL,
		NPMURL:    defaultNPMURL,
		DocsURL:   defaultDocsURL,
	}
}

func (s *HTTPSearcher) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.MaxResults <= 0 {
		q.MaxResults = defaultMaxResults
	}

	switch q.Scope {
	case ScopeCode:
		return s.searchGitHub(ctx, q)
	case ScopePackages:
		return s.searchNPM(ctx, q)
	case ScopeDocs:
		return s.searchDocs(ctx, q)
	default:
		return nil, fmt.Errorf("unknown search scope %q", q.Scope)
	}
}

func (s *HTTPSearcher) get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search error %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

func (s *HTTPSearcher) searchGitHub(ctx context.Context, q Query) ([]Result, error) {
	params := url.Values{
		"q":        {q.Terms},
		"per_page": {strconv.Itoa(q.MaxResults)},
	}
	body, err := s.get(ctx, s.GitHubURL, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []struct {
			FullName    string `json:"full_name"`
			HTMLURL     string `json:"html_url"`
			Description string `json:"description"`
			License     *struct {
				SPDXID string `json:"spdx_id"`
			} `json:"license"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse github response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		r := Result{
			Title:   it.FullName,
			URL:     it.HTMLURL,
			Summary: it.Description,
		}
		if it.License != nil {
			r.License = it.License.SPDXID
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *HTTPSearcher) searchNPM(ctx context.Context, q Query) ([]Result, error) {
	params := url.Values{
		"text": {q.Terms},
		"size": {strconv.Itoa(q.MaxResults)},
	}
	body, err := s.get(ctx, s.NPMURL, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Objects []struct {
			Package struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				License     string `json:"license"`
				Links       struct {
					NPM string `json:"npm"`
				} `json:"links"`
			} `json:"package"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse registry response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Objects))
	for _, o := range parsed.Objects {
		results = append(results, Result{
			Title:   o.Package.Name,
			URL:     o.Package.Links.NPM,
			Summary: o.Package.Description,
			License: o.Package.License,
		})
	}
	return results, nil
}

func (s *HTTPSearcher) searchDocs(ctx context.Context, q Query) ([]Result, error) {
	params := url.Values{
		"q":        {q.Terms},
		"site":     {"stackoverflow"},
		"sort":     {"relevance"},
		"pagesize": {strconv.Itoa(q.MaxResults)},
	}
	body, err := s.get(ctx, s.DocsURL, params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []struct {
			Title string `json:"title"`
			Link  string `json:"link"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse docs response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		results = append(results, Result{Title: it.Title, URL: it.Link})
	}
	return results, nil
}

// Fetch retrieves a page and normalizes it to readable markdown.
func (s *HTTPSearcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return Normalize(pageURL, body)
}
