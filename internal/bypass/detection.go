// Package bypass classifies portal responses that are challenges or auth
// walls rather than the requested page or image.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Response is the part of an HTTP exchange the detectors look at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Detector examines a response to determine if a bot protection mechanism
// or expired session blocked the request.
type Detector func(res *Response) (detected bool, source string)

// DefaultDetectors returns the detectors for image downloads, where any HTML
// body answering with 200 is a sign-in page.
func DefaultDetectors() []Detector {
	return append(PageDetectors(), detectSignInPage)
}

// PageDetectors returns the detectors for HTML page fetches. Portal pages
// carry a "Sign In" link, so only a 401 counts as an expired session there.
func PageDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectExpiredSession,
	}
}

// Analyze runs res through detectors and returns the first source that triggered.
func Analyze(res *Response, detectors []Detector) (bool, string) {
	if res == nil {
		return false, ""
	}
	for _, d := range detectors {
		if detected, source := d(res); detected {
			return true, source
		}
	}
	return false, ""
}

func header(res *Response, key string) string {
	if res.Header == nil {
		return ""
	}
	return res.Header.Get(key)
}

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusServiceUnavailable {
		if strings.Contains(strings.ToLower(header(res, "Server")), "cloudflare") {
			return true, "Cloudflare"
		}
		if bytes.Contains(res.Body, []byte("cf-browser-verification")) ||
			bytes.Contains(res.Body, []byte("cf-turnstile")) ||
			bytes.Contains(res.Body, []byte("Attention Required! | Cloudflare")) {
			return true, "Cloudflare"
		}
	}
	return false, ""
}

// detectAkamai looks for Akamai Bot Manager signatures.
func detectAkamai(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		if strings.Contains(strings.ToLower(header(res, "Server")), "akamai") {
			return true, "Akamai"
		}
		if bytes.Contains(res.Body, []byte("Reference #")) && bytes.Contains(res.Body, []byte("Access Denied")) {
			return true, "Akamai"
		}
	}
	return false, ""
}

// detectDataDome looks for DataDome challenge/block signatures.
func detectDataDome(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		if strings.Contains(strings.ToLower(header(res, "Server")), "datadome") {
			return true, "DataDome"
		}
		if header(res, "X-DataDome") != "" || header(res, "X-DataDome-Response") != "" {
			return true, "DataDome"
		}
		if bytes.Contains(res.Body, []byte("geo.captcha-delivery.com")) {
			return true, "DataDome"
		}
	}
	return false, ""
}

// detectPerimeterX looks for PerimeterX (HUMAN) signatures.
func detectPerimeterX(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		if header(res, "X-Px-Captcha") != "" {
			return true, "PerimeterX"
		}
		if bytes.Contains(res.Body, []byte("client.perimeterx.net")) ||
			bytes.Contains(res.Body, []byte("px-captcha")) ||
			bytes.Contains(res.Body, []byte("_pxBlock")) {
			return true, "PerimeterX"
		}
	}
	return false, ""
}

// detectExpiredSession catches an expired portal session token.
func detectExpiredSession(res *Response) (bool, string) {
	if res.StatusCode == http.StatusUnauthorized {
		return true, "Session"
	}
	return false, ""
}

// detectSignInPage catches an image endpoint answering 200 with an HTML
// sign-in page instead of image bytes.
func detectSignInPage(res *Response) (bool, string) {
	if res.StatusCode == http.StatusOK &&
		strings.HasPrefix(header(res, "Content-Type"), "text/html") &&
		(bytes.Contains(res.Body, []byte("authToken")) || bytes.Contains(bytes.ToLower(res.Body), []byte("sign in"))) {
		return true, "Session"
	}
	return false, ""
}
