package security

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveParamPatterns mark query parameters whose values are secrets.
var sensitiveParamPatterns = []string{
	"password", "passwd", "pwd", "secret", "token",
	"api_key", "apikey", "api-key", "auth", "bearer",
	"credential", "key", "session", "sid", "private",
}

// RedactURL hides user info and secret-looking query values so a URL can be
// logged or put into an error. Grid endpoints commonly carry credentials in
// both places.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.User != nil {
		parsed.User = url.User(redacted)
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQuery(parsed.Query()).Encode()
	}
	return parsed.String()
}

// RedactArguments returns a copy of browser launch arguments with URL
// values passed through RedactURL, e.g. --proxy-server=http://u:p@host.
func RedactArguments(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if ok && strings.Contains(value, "://") {
			out[i] = name + "=" + RedactURL(value)
			continue
		}
		out[i] = arg
	}
	return out
}

func redactQuery(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for key, values := range params {
		if isSensitiveParam(key) {
			out[key] = []string{redacted}
		} else {
			out[key] = values
		}
	}
	return out
}

func isSensitiveParam(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range sensitiveParamPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
