package search

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Page is a fetched document reduced to readable markdown.
type Page struct {
	Title    string
	URL      string
	Markdown string
}

var converter = func() *md.Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return c
}()

// Normalize extracts the main article from an HTML document and converts
// it to markdown. Boilerplate (navigation, ads, chrome) is stripped by the
// readability pass; pages it cannot parse fall back to whole-document
// conversion.
func Normalize(pageURL string, html []byte) (*Page, error) {
	page := &Page{URL: pageURL}

	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}

	content := string(html)
	article, err := readability.FromReader(bytes.NewReader(html), u)
	if err == nil && article.Content != "" {
		page.Title = article.Title
		content = article.Content
	}

	markdown, err := converter.ConvertString(content)
	if err != nil {
		return nil, err
	}
	page.Markdown = cleanMarkdown(markdown)

	if page.Title == "" {
		page.Title = firstHeading(page.Markdown)
	}
	return page, nil
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
