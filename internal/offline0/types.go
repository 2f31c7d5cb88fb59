package offline0

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestIdentity keys a cache entry. Header variance is deliberately not part
// of the key.
type RequestIdentity struct {
	Method string
	URL    string
}

func (id RequestIdentity) String() string { return id.Method + " " + id.URL }

func identityOf(r *http.Request) RequestIdentity {
	return RequestIdentity{Method: normalizeMethod(r.Method), URL: absoluteURL(r.URL)}
}

// GetIdentity builds the identity of a GET for rawURL (fragment dropped).
func GetIdentity(rawURL string) RequestIdentity {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RequestIdentity{Method: http.MethodGet, URL: rawURL}
	}
	return RequestIdentity{Method: http.MethodGet, URL: absoluteURL(u)}
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

func absoluteURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// CacheNamespace is one versioned store. Name() is what the backing store
// knows it by, e.g. "static-v2".
type CacheNamespace struct {
	Purpose    string
	Generation int
}

func (n CacheNamespace) Name() string { return fmt.Sprintf("%s-v%d", n.Purpose, n.Generation) }

// Build describes one worker generation: its cache namespaces and the label
// reported over the control channel.
type Build struct {
	Version string
	Static  CacheNamespace
	API     CacheNamespace
}

func (b Build) Identifier() string {
	if b.Version == "" {
		return b.Static.Name() + "+" + b.API.Name()
	}
	return b.Version + " (" + b.Static.Name() + "+" + b.API.Name() + ")"
}

func (b Build) sameAs(o Build) bool {
	return b.Version == o.Version && b.Static == o.Static && b.API == o.API
}
