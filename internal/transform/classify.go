package transform

import (
	"net/http"
	"strings"

	"github.com/opencode-plugins/codex-auto-switch/internal/account"
)

var usageLimitPatterns = []string{
	"usage_limit_reached",
	"usage_not_included",
	"usage limit",
	"exhausted",
	"quota",
}

var rateLimitPatterns = []string{
	"rate_limit",
	"rate limit",
	"too many requests",
	"per minute",
}

// Classify maps an upstream status and body text onto a rate-limit reason.
func Classify(status int, body string) account.Reason {
	if status == http.StatusServiceUnavailable || status == 529 {
		return account.ReasonServerError
	}
	lower := strings.ToLower(body)
	for _, pattern := range usageLimitPatterns {
		if strings.Contains(lower, pattern) {
			return account.ReasonUsageLimitReached
		}
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return account.ReasonRateLimitExceeded
		}
	}
	return account.ReasonUnknown
}

// RemapStatus corrects the vendor's habit of reporting some quota events
// as 404: a 404 whose body matches the usage-limit patterns becomes 429.
// A non-matching 404 is a real 404 and is left untouched.
func RemapStatus(status int, body string) int {
	if status != http.StatusNotFound {
		return status
	}
	lower := strings.ToLower(body)
	for _, pattern := range usageLimitPatterns {
		if strings.Contains(lower, pattern) {
			return http.StatusTooManyRequests
		}
	}
	return status
}
