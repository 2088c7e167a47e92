package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnexpectedResponse = errors.New("unexpected search response shape")

// Result is one web hit with every field reduced to plain text.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

// Format renders results as the answer text of a web-search turn.
func Format(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("**%s** - %s\n%s", r.Title, r.Link, r.Snippet))
	}
	return "Bing Search Results:\n\n" + strings.Join(parts, "\n\n")
}
