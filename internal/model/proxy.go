// Package model defines shared types for the proxy.
package model

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// SearchParams is the flat set of query parameters forwarded to the
// product-search API. Keys are unique.
type SearchParams map[string]string

// ParseSearchParams flattens a raw query string. Pairs are separated by '&'
// only; a ';' is part of the value. When a key repeats, the first value
// wins. A key or value with an invalid escape is kept as its raw text so
// the upstream, not the proxy, decides whether it is acceptable.
func ParseSearchParams(rawQuery string) SearchParams {
	params := make(SearchParams)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = unescapeOrRaw(key)
		if _, seen := params[key]; seen {
			continue
		}
		params[key] = unescapeOrRaw(value)
	}
	return params
}

func unescapeOrRaw(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Values returns the params as url.Values ready to encode.
func (p SearchParams) Values() url.Values {
	q := make(url.Values, len(p))
	for k, v := range p {
		q.Set(k, v)
	}
	return q
}

// SearchRequest represents a client search to be forwarded upstream.
type SearchRequest struct {
	Ctx    context.Context
	Params SearchParams
}

// SearchResponse is the upstream status and JSON body relayed to the client.
type SearchResponse struct {
	StatusCode int
	Body       json.RawMessage
}
