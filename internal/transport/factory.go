package transport

import (
	"xzbridge/internal/api"
	"xzbridge/internal/config"
	"xzbridge/pkg/logging"
)

// NewClient builds a transport client from a downstream server config
// variant. It is a pure function of the config: no connection is made until
// Initialize.
//
// ModelScope-hosted URLs (host contains modelscope.net or modelscope.cn)
// select the ModelScope-SSE variant, which differs from plain SSE only in
// injecting the platform token into the request headers.
//
// Returns a ConfigurationError when a required field for the chosen variant
// is missing.
func NewClient(name string, sc config.ServerConfig, ms config.ModelScopeConfig) (Client, error) {
	switch t := sc.ResolveType(); t {
	case config.ServerTypeStdio:
		if sc.Command == "" {
			return nil, api.NewConfigurationError("command is required for stdio server %s", name)
		}
		return NewStdioClient(sc.Command, sc.Args, sc.Env), nil

	case config.ServerTypeSSE:
		if sc.URL == "" {
			return nil, api.NewConfigurationError("url is required for sse server %s", name)
		}
		return NewSSEClient(sc.URL, sc.Headers), nil

	case config.ServerTypeModelScopeSSE:
		if sc.URL == "" {
			return nil, api.NewConfigurationError("url is required for modelscope server %s", name)
		}
		if ms.APIKey == "" {
			logging.Warn("Transport", "no modelscope apiKey configured for %s, connecting without auth", name)
		}
		return NewModelScopeClient(sc.URL, sc.Headers, ms.APIKey), nil

	case config.ServerTypeStreamableHTTP:
		if sc.URL == "" {
			return nil, api.NewConfigurationError("url is required for streamable-http server %s", name)
		}
		return NewStreamableHTTPClient(sc.URL, sc.Headers), nil

	default:
		return nil, api.NewConfigurationError("unsupported server type %q for %s", t, name)
	}
}
