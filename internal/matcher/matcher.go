// Package matcher classifies request URLs as personalization calls.
package matcher

import (
	"net/url"
	"strings"

	"github.com/vincentbai/target-inspector/internal/models"
)

const (
	deliveryPath = "/rest/v1/delivery"
	deliveryHost = "tt.omtrdc.net"
	clientParam  = "client"
)

var interactPaths = []string{
	"/ee/or2/v1/interact",
	"/ee/v1/interact",
	"/ee/v2/interact",
}

var defaultEdgeHosts = []string{
	"adobedc.net",
	"demdex.net",
}

var systemPrefixes = []string{
	"chrome://", "chrome-extension://", "edge://", "moz-extension://",
	"about:", "file://", "chrome-search://", "chrome-native://", "devtools://",
}

var protectedPages = []string{
	"chrome.google.com/webstore", "addons.mozilla.org", "microsoftedge.microsoft.com",
}

// Matcher classifies URLs. The zero value knows only the built-in edge hosts.
type Matcher struct {
	edgeHosts []string
}

// New returns a Matcher that additionally treats extraHosts as edge hosts,
// which covers CNAME'd interact endpoints.
func New(extraHosts ...string) *Matcher {
	hosts := append([]string{}, defaultEdgeHosts...)
	for _, h := range extraHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Matcher{edgeHosts: hosts}
}

var defaultMatcher = New()

// Classify uses the default matcher.
func Classify(rawURL string) models.CallKind {
	return defaultMatcher.Classify(rawURL)
}

// Classify returns the kind of personalization call rawURL is, or CallNone.
// Host and path are compared case-insensitively; the query only decides
// whether a client parameter is present.
func (m *Matcher) Classify(rawURL string) models.CallKind {
	if rawURL == "" {
		return models.CallNone
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.CallNone
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.EscapedPath())

	if strings.Contains(path, deliveryPath) &&
		(strings.Contains(host, deliveryHost) || u.Query().Has(clientParam)) {
		return models.CallDelivery
	}

	for _, p := range interactPaths {
		if strings.Contains(path, p) {
			return models.CallInteract
		}
	}
	if m.edgeHost(host) && strings.Contains(path, "/ee/") && strings.Contains(path, "interact") {
		return models.CallInteract
	}
	return models.CallNone
}

func (m *Matcher) edgeHost(host string) bool {
	hosts := m.edgeHosts
	if hosts == nil {
		hosts = defaultEdgeHosts
	}
	for _, h := range hosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

// MatchResource reports whether a resource-timing entry name looks like a
// personalization call. It is broader than Classify because resource entries
// are measured after the fact and the page may have rewritten the URL.
func (m *Matcher) MatchResource(name string) bool {
	if m.Classify(name) != models.CallNone {
		return true
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, deliveryHost) && strings.Contains(lower, "/delivery"):
		return true
	case strings.Contains(lower, "mboxedge") && strings.Contains(lower, "/delivery"):
		return true
	case strings.Contains(lower, "/ee/") && strings.Contains(lower, "interact"):
		return true
	}
	return false
}

// ClientCode returns the client query parameter of rawURL, or "unknown".
func ClientCode(rawURL string) string {
	return queryParam(rawURL, clientParam)
}

// SessionID returns the sessionId query parameter of rawURL, or "unknown".
func SessionID(rawURL string) string {
	return queryParam(rawURL, "sessionId")
}

func queryParam(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	if v := u.Query().Get(name); v != "" {
		return v
	}
	return "unknown"
}

// IsObservable reports whether a page can be attached to. Browser system
// pages and extension stores refuse debugger sessions.
func IsObservable(pageURL string) bool {
	if pageURL == "" {
		return false
	}
	for _, p := range systemPrefixes {
		if strings.HasPrefix(pageURL, p) {
			return false
		}
	}
	for _, p := range protectedPages {
		if strings.Contains(pageURL, p) {
			return false
		}
	}
	return true
}
