// Package validate holds the input checks shared by the registry, the API
// client and the motor bridge.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// nameRe matches module names: alphanumeric first, then alphanumerics, dots,
// hyphens or underscores. Names end up in URLs, log fields and the journal.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxNameLen bounds module names.
const MaxNameLen = 64

// ModuleName reports whether s is usable as a module name.
func ModuleName(s string) bool {
	return len(s) > 0 && len(s) <= MaxNameLen && nameRe.MatchString(s)
}

// HTTPURL parses rawURL and requires an http or https scheme and a host.
func HTTPURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return nil, fmt.Errorf("url missing scheme: %s", rawURL)
	default:
		return nil, fmt.Errorf("url scheme %q not allowed (only http/https)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url missing host: %s", rawURL)
	}
	return u, nil
}

// Local reports whether host names this machine or a private network
// address. Hostnames other than "localhost" are not resolved.
func Local(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// PlaintextRemote reports whether u sends unencrypted traffic to a host that
// is not known to be local.
func PlaintextRemote(u *url.URL) bool {
	return u.Scheme == "http" && !Local(u.Hostname())
}
