// Package app wires the panel's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/nodewarden/internal/bootstrap"
	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/internal/config"
	"github.com/3cpo-dev/nodewarden/internal/httpapi"
	"github.com/3cpo-dev/nodewarden/internal/mapping"
	"github.com/3cpo-dev/nodewarden/internal/registry"
	"github.com/3cpo-dev/nodewarden/internal/servers"
	"github.com/3cpo-dev/nodewarden/internal/ssh"
	"github.com/3cpo-dev/nodewarden/internal/store"
	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/internal/transport"
)

const (
	shutdownTimeout = 10 * time.Second
	serviceName     = "nodewarden"
)

// App holds one panel process's components.
type App struct {
	// Version is reported to the metrics backend.
	Version    string
	Config     config.Config
	Store      *store.Store
	Collector  *telemetry.Collector
	Client     *transport.Client
	Registry   *registry.Registry
	Commands   *command.Service
	Mappings   *mapping.Service
	Servers    *servers.Manager
	API        *httpapi.Handler
	Monitoring *telemetry.MonitoringServer
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	collector := telemetry.NewCollector(cfg.Telemetry.Enabled, cfg.Telemetry.FlushInterval)
	client := transport.New(transport.Options{Timeout: cfg.Agents.Timeout, AuthScheme: cfg.Agents.AuthScheme})
	reg := registry.New(client, registry.Options{
		SweepInterval: cfg.Agents.SweepInterval,
		Store:         st,
		Sources: []registry.Source{
			registry.StoreSource{Store: st},
			registry.StaticSource{Nodes: cfg.APINodes()},
		},
		Collector: collector,
	})
	commands := command.NewService(reg, client, collector)
	mappings := mapping.NewService(st, reg)
	mgr := servers.NewManager(st, mappings, commands)

	a := &App{
		Config:    cfg,
		Store:     st,
		Collector: collector,
		Client:    client,
		Registry:  reg,
		Commands:  commands,
		Mappings:  mappings,
		Servers:   mgr,
		API: httpapi.NewHandler(httpapi.Deps{
			Registry:  reg,
			Commands:  commands,
			Mappings:  mappings,
			Servers:   mgr,
			Collector: collector,
			Token:     cfg.Server.APIToken,
		}),
		Monitoring: telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, collector),
	}
	a.Monitoring.RegisterHealthCheck("agents", func() telemetry.HealthCheck { return AgentsCheck(reg) })
	a.Monitoring.RegisterHealthCheck("database", func() telemetry.HealthCheck { return a.databaseCheck() })
	a.Monitoring.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
	if cfg.Telemetry.Profiling {
		a.Monitoring.EnableProfiling()
	}
	return a, nil
}

// AgentsCheck is degraded while some nodes are offline and unhealthy when all are.
func AgentsCheck(reg *registry.Registry) telemetry.HealthCheck {
	statuses := reg.GetAgentStatuses()
	online := 0
	for _, st := range statuses {
		if st.Online {
			online++
		}
	}
	check := telemetry.HealthCheck{
		Name:    "agents",
		Status:  telemetry.HealthStatusHealthy,
		Message: fmt.Sprintf("%d of %d agents online", online, len(statuses)),
	}
	switch {
	case len(statuses) == 0:
		check.Message = "no agents registered"
	case online == 0:
		check.Status = telemetry.HealthStatusUnhealthy
	case online < len(statuses):
		check.Status = telemetry.HealthStatusDegraded
	}
	return check
}

func (a *App) databaseCheck() telemetry.HealthCheck {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		return telemetry.HealthCheck{Name: "database", Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
	}
	return telemetry.HealthCheck{Name: "database", Status: telemetry.HealthStatusHealthy, Message: "ok"}
}

// Installer builds a node installer using the panel's SSH key. Unknown host
// keys are recorded on first contact.
func (a *App) Installer() (*bootstrap.Installer, error) {
	signer, err := ssh.EnsureSigner(a.Config.SSH.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("load ssh key: %w", err)
	}
	hostKeys, err := ssh.TrustOnFirstUse(a.Config.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	dialer := bootstrap.SSHDialer{
		User:     a.Config.SSH.User,
		Port:     a.Config.SSH.Port,
		Signer:   signer,
		HostKeys: hostKeys,
		Timeout:  30 * time.Second,
		Retries:  2,
	}
	return bootstrap.NewInstaller(dialer, a.Registry, bootstrap.Options{
		AgentBinary: a.Config.Bootstrap.AgentBinary,
		InstallDir:  a.Config.Bootstrap.InstallDir,
		DataDir:     a.Config.Bootstrap.DataDir,
		AgentPort:   a.Config.Bootstrap.AgentPort,
		Collector:   a.Collector,
	}), nil
}

// Run discovers nodes, then serves the API, the health sweep and, when
// telemetry is enabled, the monitoring endpoints until ctx is done.
func (a *App) Run(ctx context.Context) error {
	report, err := a.Registry.ForceDiscovery(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("initial discovery incomplete")
	}
	log.Info().Int("probed", report.Probed).Int("online", len(report.Online)).Int("offline", len(report.Offline)).Msg("initial discovery")

	api := &http.Server{
		Addr:              a.Config.Server.Listen,
		Handler:           a.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if a.Config.Server.APIToken == "" {
		log.Warn().Msg("api token not set; panel API is unauthenticated")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Registry.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", api.Addr).Msg("panel API listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("panel API: %w", err)
		}
		return nil
	})
	if a.Config.Telemetry.Enabled {
		g.Go(a.Monitoring.Start)
		g.Go(func() error {
			telemetry.NewRuntimeSampler(a.Collector, 0).Run(ctx)
			return nil
		})
		if endpoint := a.Config.Telemetry.OTLPEndpoint; endpoint != "" {
			exporter := telemetry.NewOTLPExporter(endpoint, serviceName, a.Version)
			g.Go(func() error {
				exporter.Run(ctx, a.Collector, a.Config.Telemetry.FlushInterval)
				return nil
			})
		}
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(api.Shutdown(shutdownCtx), a.Monitoring.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func (a *App) Close() error {
	a.Collector.Shutdown()
	return a.Store.Close()
}
