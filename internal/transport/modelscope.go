package transport

// NewModelScopeClient creates the ModelScope variant of the SSE client. It
// is a plain SSE client with the platform token injected as a bearer
// Authorization header; every other aspect of the transport is identical.
func NewModelScopeClient(url string, headers map[string]string, apiKey string) *SSEClient {
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	if apiKey != "" {
		merged["Authorization"] = "Bearer " + apiKey
	}
	return NewSSEClient(url, merged)
}
