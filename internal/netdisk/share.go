package netdisk

import (
	"fmt"
	"net/url"
	"strings"
)

// ShareHost is the canonical host for share links.
const ShareHost = "cloud.189.cn"

// ShareReference identifies one cloud share link: host, share code and the
// optional access code carried in the query string.
type ShareReference struct {
	Host       string
	ShareCode  string
	AccessCode string
}

// ParseShareReference parses a share URL strictly. Anything that is not an
// http(s) link to cloud.189.cn/t/<code> is a hard failure.
func ParseShareReference(raw string) (ShareReference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ShareReference{}, fmt.Errorf("share URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ShareReference{}, fmt.Errorf("invalid share URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ShareReference{}, fmt.Errorf("unsupported share URL scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host != ShareHost && host != "www."+ShareHost {
		return ShareReference{}, fmt.Errorf("unsupported share host %q, only %s links are accepted", host, ShareHost)
	}
	parts := make([]string, 0, 2)
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 || parts[0] != "t" {
		return ShareReference{}, fmt.Errorf("share URL is missing the /t/<code> segment")
	}
	code := strings.TrimSpace(parts[1])
	if code == "" {
		return ShareReference{}, fmt.Errorf("share code is empty")
	}
	q := u.Query()
	access := strings.TrimSpace(q.Get("pwd"))
	if access == "" {
		access = strings.TrimSpace(q.Get("accessCode"))
	}
	return ShareReference{Host: host, ShareCode: code, AccessCode: access}, nil
}

// URL re-serializes the reference into a canonical share link.
func (r ShareReference) URL() string {
	host := r.Host
	if host == "" {
		host = ShareHost
	}
	u := url.URL{Scheme: "https", Host: host, Path: "/t/" + r.ShareCode}
	if r.AccessCode != "" {
		u.RawQuery = url.Values{"pwd": {r.AccessCode}}.Encode()
	}
	return u.String()
}
