// Package app assembles the bridge: configuration, the downstream service
// manager, the custom-tool catalog, the tool-sync reconciler, the upstream
// endpoint manager and the status service, wired together over the event
// bus.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"xzbridge/internal/bus"
	"xzbridge/internal/config"
	"xzbridge/internal/customtool"
	"xzbridge/internal/endpoint"
	"xzbridge/internal/manager"
	"xzbridge/internal/metrics"
	"xzbridge/internal/status"
	"xzbridge/internal/toolcache"
	"xzbridge/internal/toolsync"
	"xzbridge/pkg/logging"
)

// Config carries the CLI-level application settings.
type Config struct {
	// Debug enables verbose logging.
	Debug bool

	// ConfigDir overrides the config directory; empty selects
	// $XIAOZHI_CONFIG_DIR or the working directory.
	ConfigDir string
}

// Application owns every long-lived subsystem of the bridge.
type Application struct {
	appCfg Config

	bus       *bus.Bus
	cfg       *config.Manager
	cache     *toolcache.Cache
	coze      *customtool.CozeClient
	custom    *customtool.Handler
	services  *manager.Manager
	endpoints *endpoint.Manager
	syncer    *toolsync.Syncer
	status    *status.Service
}

// NewApplication builds and wires the application. Nothing is connected yet;
// Run brings the subsystems up.
func NewApplication(appCfg Config) (*Application, error) {
	// A .env next to the working directory may carry platform tokens.
	godotenv.Load()

	level := logging.LevelInfo
	if appCfg.Debug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	dir := appCfg.ConfigDir
	if dir == "" {
		dir = config.GetConfigDir()
	}

	b := bus.Global()
	cfgMgr := config.NewManager(dir, b)
	if err := cfgMgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	conf := cfgMgr.Get()

	cache := toolcache.New(dir)
	coze := customtool.NewCozeClient(conf.Platforms.Coze)
	custom := customtool.New(coze,
		time.Duration(conf.Platforms.Coze.EffectiveCacheTTLSeconds())*time.Second)
	if err := custom.Initialize(conf.CustomMCP.Tools); err != nil {
		return nil, fmt.Errorf("invalid custom tool configuration: %w", err)
	}

	services := manager.NewManager(cfgMgr, custom, cache, b)
	endpoints := endpoint.NewManager(cfgMgr, b)

	heartbeatTimeout := time.Duration(conf.Connection.EffectiveHeartbeatTimeout()) * time.Millisecond
	st := status.New(services, b, heartbeatTimeout)

	endpoints.SetHeartbeat(st.Beat)
	endpoints.SetServiceManager(services)
	services.SetOnToolsChanged(endpoints.NotifyToolsChanged)

	syncer := toolsync.New(cfgMgr, custom, services, b)

	return &Application{
		appCfg:    appCfg,
		bus:       b,
		cfg:       cfgMgr,
		cache:     cache,
		coze:      coze,
		custom:    custom,
		services:  services,
		endpoints: endpoints,
		syncer:    syncer,
		status:    st,
	}, nil
}

// Run starts every subsystem and blocks until the context is cancelled or a
// termination signal arrives, then shuts down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.status.Start()
	a.syncer.Start()
	a.services.Start()

	if err := a.cfg.Watch(ctx); err != nil {
		logging.Warn("App", "config watching unavailable: %v", err)
	}

	conf := a.cfg.Get()
	if conf.MetricsPort > 0 {
		go metrics.Serve(ctx, conf.MetricsPort)
	}

	if err := a.services.StartAllServices(ctx); err != nil {
		return fmt.Errorf("failed to start downstream services: %w", err)
	}

	if len(conf.MCPEndpoint) == 0 {
		logging.Warn("App", "no mcpEndpoint configured; serving downstream services only")
	}
	if err := a.endpoints.Initialize(conf.MCPEndpoint); err != nil {
		return fmt.Errorf("failed to initialize endpoints: %w", err)
	}
	if err := a.endpoints.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect endpoints: %w", err)
	}

	logging.Info("App", "bridge running with %d services and %d endpoints",
		len(conf.MCPServers), len(conf.MCPEndpoint))

	<-ctx.Done()
	logging.Info("App", "shutting down")
	a.shutdown()
	return nil
}

func (a *Application) shutdown() {
	a.endpoints.Cleanup()
	a.syncer.Stop()
	a.status.Stop()
	a.services.Shutdown()
	a.custom.Close()
	a.cfg.Close()
	bus.ResetGlobal()
}
