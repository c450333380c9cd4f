package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// smallPage is the body size under which challenge markers are trusted.
// Contact pages embed reCAPTCHA on their forms, so on full-size pages the
// marker says nothing.
const smallPage = 4096

// DetectBlock checks an HTTP response for signs of anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "cf-browser-verification") || strings.Contains(lower, "checking your browser") {
		return true, BlockCloudflare
	}
	if len(body) >= smallPage {
		return false, BlockNone
	}

	if strings.Contains(lower, "captcha") {
		return true, BlockCaptcha
	}
	if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") && !strings.Contains(lower, "<p") {
		return true, BlockJSShell
	}
	if strings.Contains(lower, `http-equiv="refresh"`) {
		return true, BlockJSShell
	}
	return false, BlockNone
}
