package config

// Default policies applied when a server config omits the corresponding
// section. Intervals are milliseconds.
var (
	// DefaultReconnectPolicy reconnects with exponential backoff, 3 s initial
	// interval capped at 30 s, for at most 10 attempts.
	DefaultReconnectPolicy = ReconnectPolicy{
		Enabled:           true,
		MaxAttempts:       10,
		InitialInterval:   3000,
		MaxInterval:       30000,
		BackoffStrategy:   BackoffExponential,
		BackoffMultiplier: 1.5,
		Timeout:           10000,
		Jitter:            true,
	}

	// DefaultPingPolicy probes every 30 s after a 5 s start delay and gives a
	// server three strikes before reconnecting.
	DefaultPingPolicy = PingPolicy{
		Enabled:     true,
		Interval:    30000,
		Timeout:     5000,
		MaxFailures: 3,
		StartDelay:  5000,
	}

	// DefaultEndpointReconnectPolicy is the upstream-endpoint variant: these
	// are user-facing connections, so intervals are longer and retries keep
	// going for much longer.
	DefaultEndpointReconnectPolicy = ReconnectPolicy{
		Enabled:           true,
		MaxAttempts:       60,
		InitialInterval:   5000,
		MaxInterval:       60000,
		BackoffStrategy:   BackoffExponential,
		BackoffMultiplier: 1.5,
		Timeout:           15000,
		Jitter:            true,
	}
)

// Default connection values, milliseconds.
const (
	DefaultHeartbeatTimeout  int64 = 35000
	DefaultHeartbeatInterval int64 = 30000
	DefaultRequestTimeout    int64 = 30000

	// DefaultCozeCacheTTLSeconds bounds the Coze proxy result cache.
	DefaultCozeCacheTTLSeconds = 300
)

// EffectiveReconnect returns the server's reconnect policy with defaults
// filled in for omitted fields.
func (c ServerConfig) EffectiveReconnect() ReconnectPolicy {
	if c.Reconnect == nil {
		return DefaultReconnectPolicy
	}
	p := *c.Reconnect
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = DefaultReconnectPolicy.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = DefaultReconnectPolicy.MaxInterval
	}
	if p.BackoffStrategy == "" {
		p.BackoffStrategy = DefaultReconnectPolicy.BackoffStrategy
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = DefaultReconnectPolicy.BackoffMultiplier
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultReconnectPolicy.Timeout
	}
	return p
}

// EffectivePing returns the server's ping policy with defaults filled in for
// omitted fields.
func (c ServerConfig) EffectivePing() PingPolicy {
	if c.Ping == nil {
		return DefaultPingPolicy
	}
	p := *c.Ping
	if p.Interval == 0 {
		p.Interval = DefaultPingPolicy.Interval
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultPingPolicy.Timeout
	}
	if p.MaxFailures == 0 {
		p.MaxFailures = DefaultPingPolicy.MaxFailures
	}
	if p.StartDelay == 0 {
		p.StartDelay = DefaultPingPolicy.StartDelay
	}
	return p
}

// EffectiveTimeout returns the per-request timeout in milliseconds.
func (c ServerConfig) EffectiveTimeout() int64 {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultRequestTimeout
}

// EffectiveHeartbeatTimeout returns the upstream heartbeat timeout in
// milliseconds.
func (c ConnectionConfig) EffectiveHeartbeatTimeout() int64 {
	if c.HeartbeatTimeout > 0 {
		return c.HeartbeatTimeout
	}
	return DefaultHeartbeatTimeout
}

// EffectiveCacheTTLSeconds returns the Coze result cache TTL in seconds.
func (c CozeConfig) EffectiveCacheTTLSeconds() int {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return DefaultCozeCacheTTLSeconds
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	return Config{
		MCPServers:      make(map[string]ServerConfig),
		MCPServerConfig: make(map[string]ServerToolsConfig),
	}
}
