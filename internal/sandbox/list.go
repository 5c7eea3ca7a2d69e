package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Paginator walks the sandbox listing page by page.
//
//	p := client.List(sandbox.ListQuery{State: []sandbox.SandboxState{sandbox.StateRunning}})
//	for p.HasNext() {
//		page, err := p.Next(ctx)
//		...
//	}
type Paginator struct {
	client    *Client
	query     ListQuery
	nextToken string
	started   bool
}

// List returns a paginator over the sandboxes matching q.
func (c *Client) List(q ListQuery) *Paginator {
	return &Paginator{client: c, query: q}
}

// HasNext reports whether another page can be fetched.
func (p *Paginator) HasNext() bool {
	return !p.started || p.nextToken != ""
}

// NextToken is the continuation token of the next page, empty on the last page.
func (p *Paginator) NextToken() string { return p.nextToken }

// Next fetches the next page.
func (p *Paginator) Next(ctx context.Context) ([]SandboxInfo, error) {
	if !p.HasNext() {
		return nil, fmt.Errorf("%w: no more pages", ErrInvalidArgument)
	}

	query := url.Values{}
	if len(p.query.State) > 0 {
		states := make([]string, 0, len(p.query.State))
		for _, s := range p.query.State {
			states = append(states, string(s))
		}
		query.Set("state", strings.Join(states, ","))
	}
	if len(p.query.Metadata) > 0 {
		query.Set("metadata", encodeMetadata(p.query.Metadata))
	}
	if p.query.Limit > 0 {
		query.Set("limit", strconv.Itoa(p.query.Limit))
	}
	if p.nextToken != "" {
		query.Set("nextToken", p.nextToken)
	}

	var page []SandboxInfo
	header, err := p.client.api.do(ctx, http.MethodGet, "/v2/sandboxes", query, nil, &page)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	p.started = true
	p.nextToken = header.Get("X-Next-Token")
	return page, nil
}

// encodeMetadata renders a metadata filter as k=v pairs joined by &, with
// keys sorted so the query is stable.
func encodeMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(md[k]))
	}
	return strings.Join(pairs, "&")
}
