package trace

import (
	"net/http"
	"strings"
)

// credentialHeaders are stripped from any header set before it enters a
// record.
var credentialHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Api-Key",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
}

// RedactHeaders returns a copy of h with credential-bearing headers replaced
// by a marker. The original headers are untouched.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if isCredentialHeader(k) {
			out[k] = []string{"[redacted]"}
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func isCredentialHeader(name string) bool {
	for _, h := range credentialHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
