package intercept

import (
	"net/http"
	"path"
	"strings"
)

// Matcher decides whether a call crossing the boundary is bridge traffic.
// Host and Scheme are compared against the destination the caller addressed;
// PathPattern is a path.Match glob. CaptureAllHost disables the host check so
// every destination reaching the boundary is considered.
type Matcher struct {
	Scheme         string
	Host           string
	PathPattern    string
	CaptureAllHost bool
}

// Matches reports whether the request addresses an intercepted destination.
func (m Matcher) Matches(r *http.Request) bool {
	if !m.CaptureAllHost {
		host := r.Host
		if r.URL.Host != "" {
			host = r.URL.Host
		}
		if !strings.EqualFold(stripPort(host), stripPort(m.Host)) {
			return false
		}
		if m.Scheme != "" && r.URL.Scheme != "" && !strings.EqualFold(r.URL.Scheme, m.Scheme) {
			return false
		}
	}

	if m.PathPattern == "" {
		return true
	}
	ok, err := path.Match(m.PathPattern, r.URL.Path)
	return err == nil && ok
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
