package middleware

import (
	"net/http"
	"strings"
)

// APIKeyHeader carries the credential on write requests.
const APIKeyHeader = "x-api-key"

// APIKey returns the credential presented on r: the x-api-key header, or a
// bearer token. Session streams may pass it as the apiKey query parameter
// instead, since EventSource clients cannot set headers.
func APIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
