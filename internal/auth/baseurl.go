package auth

import (
	"net/http"
	"strings"
)

// BaseURL resolves the externally visible origin of the server. A fixed
// public URL wins; otherwise the origin comes from the request, using
// X-Forwarded-Proto and X-Forwarded-Host only when the proxy is trusted.
type BaseURL struct {
	public     string
	trustProxy bool
}

// NewBaseURL returns a resolver. public may be empty.
func NewBaseURL(public string, trustProxy bool) BaseURL {
	return BaseURL{public: strings.TrimRight(public, "/"), trustProxy: trustProxy}
}

// Resolve returns the base URL for r, without a trailing slash.
func (b BaseURL) Resolve(r *http.Request) string {
	if b.public != "" {
		return b.public
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	host := r.Host

	if b.trustProxy {
		if p := firstHeaderValue(r, "X-Forwarded-Proto"); p == "http" || p == "https" {
			scheme = p
		}

		if h := firstHeaderValue(r, "X-Forwarded-Host"); h != "" {
			host = h
		}
	}

	return scheme + "://" + host
}

// firstHeaderValue returns the first comma-separated value of a header,
// which is the one set by the proxy closest to the client.
func firstHeaderValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}

	return strings.TrimSpace(v)
}
