// Package platform maps source URLs to hosting platforms and carries
// the per-platform knobs the fetch engine needs: outbound headers and
// whether resolved URLs expire fast enough to need a refresh right
// before fetching.
package platform

import "regexp"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

type Capabilities struct {
	Name string

	// RefreshBeforeFetch marks platforms whose direct URLs expire
	// quickly; the engine re-resolves metadata before every fetch.
	RefreshBeforeFetch bool

	// DirectFetch marks platforms whose resolved URLs are plain CDN
	// files, so tracked downloads can skip the delegated downloader.
	DirectFetch bool

	// Headers sent on outbound fetches against this platform's CDN.
	Headers map[string]string
}

type entry struct {
	caps     Capabilities
	patterns []*regexp.Regexp
}

// Order matters: more specific patterns first (bilibili.tv before
// bilibili.com).
var table = []entry{
	{
		caps:     Capabilities{Name: "youtube"},
		patterns: compile(`youtube\.com`, `youtu\.be`),
	},
	{
		caps: Capabilities{
			Name:    "tiktok",
			Headers: map[string]string{"Referer": "https://www.tiktok.com/"},
		},
		patterns: compile(`tiktok\.com`, `vt\.tiktok\.com`),
	},
	{
		caps: Capabilities{
			Name:        "instagram",
			DirectFetch: true,
			Headers:     map[string]string{"Referer": "https://www.instagram.com/"},
		},
		patterns: compile(`instagram\.com`),
	},
	{
		caps:     Capabilities{Name: "facebook"},
		patterns: compile(`facebook\.com`, `fb\.watch`),
	},
	{
		caps: Capabilities{
			Name:               "bilibili_tv",
			RefreshBeforeFetch: true,
			DirectFetch:        true,
			Headers: map[string]string{
				"Referer": "https://www.bilibili.tv/",
				"Origin":  "https://www.bilibili.tv",
			},
		},
		patterns: compile(`bilibili\.tv`),
	},
	{
		caps:     Capabilities{Name: "bilibili"},
		patterns: compile(`bilibili\.com`),
	},
	{
		caps:     Capabilities{Name: "snackvideo"},
		patterns: compile(`snackvideo\.com`),
	},
	{
		caps:     Capabilities{Name: "twitter"},
		patterns: compile(`twitter\.com`, `x\.com`, `t\.co`),
	},
}

func compile(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+p))
	}
	return compiled
}

// Detect returns the platform name for a source URL, or "" when no
// pattern matches.
func Detect(url string) string {
	for _, e := range table {
		for _, p := range e.patterns {
			if p.MatchString(url) {
				return e.caps.Name
			}
		}
	}
	return ""
}

// Lookup returns the capabilities for a platform name. Unknown names
// get a generic entry with the default user agent only.
func Lookup(name string) Capabilities {
	for _, e := range table {
		if e.caps.Name == name {
			return e.caps
		}
	}
	return Capabilities{Name: name}
}

// FetchHeaders merges the default user agent with the platform headers.
func (c Capabilities) FetchHeaders() map[string]string {
	headers := map[string]string{"User-Agent": defaultUserAgent}
	for k, v := range c.Headers {
		headers[k] = v
	}
	return headers
}
