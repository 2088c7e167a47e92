package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Bing queries the Bing Web Search v7 API.
type Bing struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewBing(endpoint, apiKey string, timeout time.Duration) *Bing {
	return &Bing{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type bingResponse struct {
	WebPages *struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
	Type string `json:"_type"`
}

func (b *Bing) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 3
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(k))
	q.Set("textDecorations", "true")
	q.Set("textFormat", "HTML")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed bingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if parsed.Type != "" && parsed.Type != "SearchResponse" {
		return nil, fmt.Errorf("%w: _type %q", ErrUnexpectedResponse, parsed.Type)
	}
	if parsed.WebPages == nil {
		return nil, nil
	}

	out := make([]Result, 0, k)
	for _, v := range parsed.WebPages.Value {
		if len(out) == k {
			break
		}
		out = append(out, Result{
			Title:   CleanHTML(v.Name),
			Link:    v.URL,
			Snippet: CleanHTML(v.Snippet),
		})
	}
	return out, nil
}

// CleanHTML strips markup and decodes entities.
func CleanHTML(raw string) string {
	if !strings.ContainsAny(raw, "<&") {
		return raw
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	return doc.Text()
}
