package auth

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// DefaultTrustedDomains are the hosted MCP clients whose registrations
// may be recreated automatically after the client registry is lost.
var DefaultTrustedDomains = []string{"claude.ai", "claude.com", "anthropic.com"}

// TrustPolicy decides which redirect hosts may be auto-registered. A
// host is trusted when it equals a listed domain or is a subdomain of one.
type TrustPolicy struct {
	domains []string
}

// NewTrustPolicy builds a policy from a domain list. Entries are
// lowercased and stripped of leading dots; empty entries are skipped.
func NewTrustPolicy(domains ...string) *TrustPolicy {
	p := &TrustPolicy{}

	for _, d := range domains {
		d = strings.TrimLeft(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			p.domains = append(p.domains, d)
		}
	}

	return p
}

// DefaultTrustPolicy trusts DefaultTrustedDomains.
func DefaultTrustPolicy() *TrustPolicy {
	return NewTrustPolicy(DefaultTrustedDomains...)
}

type trustFile struct {
	TrustedDomains []string `yaml:"trusted_domains"`
}

// LoadTrustPolicy reads a YAML file of the form:
//
//	trusted_domains:
//	  - claude.ai
//	  - example.com
func LoadTrustPolicy(path string) (*TrustPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust policy: %w", err)
	}

	var f trustFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing trust policy: %w", err)
	}

	p := NewTrustPolicy(f.TrustedDomains...)
	if len(p.domains) == 0 {
		return nil, fmt.Errorf("trust policy %s lists no domains", path)
	}

	return p, nil
}

// Domains returns a copy of the trusted domain list.
func (p *TrustPolicy) Domains() []string {
	return append([]string(nil), p.domains...)
}

// match returns the trusted domain covering host, or "".
func (p *TrustPolicy) match(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return ""
	}

	for _, d := range p.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return d
		}
	}

	return ""
}

// TrustsHost reports whether host is a trusted domain or a subdomain of one.
func (p *TrustPolicy) TrustsHost(host string) bool {
	return p.match(host) != ""
}

// TrustsRedirect reports whether redirectURI is an https URL on a
// trusted host.
func (p *TrustPolicy) TrustsRedirect(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme != "https" {
		return false
	}

	return p.TrustsHost(u.Hostname())
}

// DisplayName derives a client name from the trusted domain covering
// the redirect URI's host: https://claude.ai/... gives "Claude".
func (p *TrustPolicy) DisplayName(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return defaultClientName
	}

	d := p.match(u.Hostname())
	if d == "" {
		return defaultClientName
	}

	label, _, _ := strings.Cut(d, ".")

	return cases.Title(language.English).String(label)
}
