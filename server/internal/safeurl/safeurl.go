// Package safeurl guards outbound fetches against server-side request
// forgery: any URL sourced from client input must pass IsSafePublicURL
// before the server connects to it.
package safeurl

import (
	"net"
	"net/url"
	"strings"
)

// IsSafePublicURL reports whether raw is a public HTTP(S) endpoint the
// server may fetch. Every resolved address must be public: rejecting on
// the first private/loopback/link-local/reserved address defends
// against DNS entries that mix public and internal records. Any parse
// or resolution failure is treated as unsafe.
//
// When allowHosts is non-empty the hostname must additionally end with
// one of the given suffixes.
func IsSafePublicURL(raw string, allowHosts []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := u.Hostname()
	if host == "" {
		return false
	}

	if hostIsPrivate(host) {
		return false
	}

	if len(allowHosts) > 0 {
		for _, allowed := range allowHosts {
			if strings.HasSuffix(host, allowed) {
				return true
			}
		}
		return false
	}

	return true
}

// replaced in tests
var lookupIP = net.LookupIP

func hostIsPrivate(host string) bool {
	ips, err := lookupIP(host)
	if err != nil || len(ips) == 0 {
		// fail closed
		return true
	}

	for _, ip := range ips {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return true
		}
	}

	return false
}
