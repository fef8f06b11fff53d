package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cacheable dashboard resource.
type Key struct {
	// Endpoint is the backend path (e.g., "/api/products")
	Endpoint string

	// Params are the query parameters (e.g., {"category": "5"})
	Params url.Values
}

// NewKey builds a Key from an endpoint and optional query parameters.
// The params are copied so later mutation by the caller does not change the key.
func NewKey(endpoint string, params url.Values) Key {
	k := Key{Endpoint: endpoint}
	if len(params) > 0 {
		k.Params = make(url.Values, len(params))
		for name, values := range params {
			k.Params[name] = append([]string(nil), values...)
		}
	}
	return k
}

// ParseKey parses a request target such as "/api/products?category=5".
func ParseKey(target string) (Key, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Key{}, err
	}
	return NewKey(u.Path, u.Query()), nil
}

// String generates a deterministic cache key string.
// Format: endpoint?name1=val1&name2=val2
//
// Parameter names are sorted, and so are the values under each name, which
// means any reordering of the same pairs yields a byte-identical key.
//
// Example:
//
//	/api/products?category=5&page=1
func (k Key) String() string {
	if len(k.Params) == 0 {
		return k.Endpoint
	}

	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(k.Endpoint)
	sep := byte('?')
	for _, name := range names {
		values := append([]string(nil), k.Params[name]...)
		sort.Strings(values)
		if len(values) == 0 {
			values = []string{""}
		}
		for _, v := range values {
			b.WriteByte(sep)
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			sep = '&'
		}
	}
	return b.String()
}

// Query returns the encoded query string without the leading '?'.
func (k Key) Query() string {
	s := k.String()
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[i+1:]
	}
	return ""
}
