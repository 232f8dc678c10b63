package politeness

import (
	"bytes"
	"net/http"
)

// Challenge signatures seen on CDN interstitial pages. Matching is
// case-insensitive substring search over the body.
var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("challenge-platform"),
	[]byte("just a moment..."),
	[]byte("attention required! | cloudflare"),
	[]byte("ddos protection by"),
	[]byte("_incapsula_resource"),
	[]byte("akamai bot manager"),
	[]byte("are you a robot"),
	[]byte("enable javascript and cookies to continue"),
}

// IsChallenge reports whether a response looks like a CDN bot-challenge
// page rather than real content. Such a site is marked not-crawlable and
// the crawl step fails fast instead of fighting the wall.
func IsChallenge(statusCode int, body []byte) bool {
	if statusCode == http.StatusServiceUnavailable || statusCode == 403 {
		// Challenge pages commonly ride on 403/503; fall through to body
		// inspection either way since some CDNs answer 200.
		if len(body) == 0 {
			return false
		}
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}
