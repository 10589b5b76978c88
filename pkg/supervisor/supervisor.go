// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor wires the daemon together: it loads settings,
// provisions the device identity, builds every component, and runs
// both HTTP listeners (plus the metrics listener) until a termination
// signal triggers a coordinated, deadline-bound shutdown.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/yophilav/iotedge/pkg/api/management"
	"github.com/yophilav/iotedge/pkg/api/workload"
	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/config"
	"github.com/yophilav/iotedge/pkg/cryptofacade"
	"github.com/yophilav/iotedge/pkg/deviceid"
	"github.com/yophilav/iotedge/pkg/engineclient"
	"github.com/yophilav/iotedge/pkg/httpserver"
	"github.com/yophilav/iotedge/pkg/identitymgr"
	"github.com/yophilav/iotedge/pkg/keystore"
	"github.com/yophilav/iotedge/pkg/runtime"

	"go.uber.org/zap"
)

// ShutdownGrace is the default deadline given to in-flight requests
// once a termination signal arrives.
const ShutdownGrace = 10 * time.Second

// MetricsAddr is the fixed, localhost-only address the metrics
// listener binds to. It is additive instrumentation, not one of the
// two versioned local APIs.
const MetricsAddr = "127.0.0.1:9600"

// StartupReconcileTimeout bounds how long New waits for the edge
// agent's identity and container to come up before giving up on
// startup entirely.
const StartupReconcileTimeout = 30 * time.Second

// Supervisor owns the process's three HTTP listeners and their
// coordinated lifecycle.
type Supervisor struct {
	logger   *zap.Logger
	settings *config.Settings

	management *http.Server
	workload   *http.Server
	metrics    *http.Server
}

// New loads settings from configPath, provisions the device identity,
// and assembles every component into a ready-to-run Supervisor.
func New(configPath string, logger *zap.Logger) (*Supervisor, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	identity, err := deviceid.Parse(settings.Provisioning.DeviceConnectionString)
	if err != nil {
		return nil, fmt.Errorf("provision device identity: %w", err)
	}

	store := keystore.NewDerived(identity.RootKey)
	tokens := keystore.NewTokenSource(store, keystore.SystemClock{})

	engine, err := engineclient.New(settings.MobyRuntime.URI)
	if err != nil {
		return nil, fmt.Errorf("connect to container engine: %w", err)
	}
	rt := runtime.New(engine, settings.MobyRuntime.Network)

	registry := identitymgr.NewHTTPRegistry(http.DefaultClient, identity.HubName, identity.DeviceID, tokens)
	idMgr := identitymgr.New(registry, store, identity.DeviceID)

	facade := cryptofacade.NewSoftware(store)

	startupCtx, cancel := context.WithTimeout(context.Background(), StartupReconcileTimeout)
	defer cancel()
	if err := reconcileAgent(startupCtx, rt, idMgr, settings.Agent); err != nil {
		return nil, fmt.Errorf("reconcile agent module: %w", err)
	}

	reg := prometheus.NewRegistry()

	mgmtSvc := &management.Service{Runtime: rt, Identity: idMgr}
	mgmtMetrics := httpserver.NewMetrics(reg, "management")
	mgmtHandler := httpserver.Chain(management.NewHandler(mgmtSvc),
		httpserver.Recover(logger),
		httpserver.Logging(logger),
		mgmtMetrics.Middleware,
		httpserver.VersionGate,
	)

	workloadSvc := &workload.Service{KeyStore: store, Facade: facade, Identity: idMgr}
	workloadMetrics := httpserver.NewMetrics(reg, "workload")
	workloadHandler := httpserver.Chain(workload.NewHandler(workloadSvc),
		httpserver.Recover(logger),
		httpserver.Logging(logger),
		workloadMetrics.Middleware,
		httpserver.VersionGate,
	)

	mgmtAddr, err := listenAddr(settings.Listen.ManagementURI)
	if err != nil {
		return nil, fmt.Errorf("management listen uri: %w", err)
	}
	workloadAddr, err := listenAddr(settings.Listen.WorkloadURI)
	if err != nil {
		return nil, fmt.Errorf("workload listen uri: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Supervisor{
		logger:     logger,
		settings:   settings,
		management: &http.Server{Addr: mgmtAddr, Handler: mgmtHandler},
		workload:   &http.Server{Addr: workloadAddr, Handler: workloadHandler},
		metrics:    &http.Server{Addr: MetricsAddr, Handler: metricsMux},
	}, nil
}

// reconcileAgent ensures the edge agent named in settings has both an
// identity and a running container before the daemon starts serving
// its APIs: the config loader rejects a missing agent section, so
// there is always exactly one module to bring up here. Get-then-create
// keeps a restart of the daemon from erroring out on an agent that
// already exists from a previous run.
func reconcileAgent(ctx context.Context, rt *runtime.Runtime, idMgr *identitymgr.Manager, agent config.AgentSpec) error {
	if _, ok, err := idMgr.Get(ctx, agent.Name); err != nil {
		return fmt.Errorf("get agent identity: %w", err)
	} else if !ok {
		if _, err := idMgr.Create(ctx, agent.Name); err != nil {
			return fmt.Errorf("create agent identity: %w", err)
		}
	}

	if _, err := rt.Get(ctx, agent.Name); err == nil {
		return nil
	} else if !apierror.Is(err, apierror.NotFound) {
		return fmt.Errorf("get agent container: %w", err)
	}

	if err := rt.Pull(ctx, agent.Config.Image); err != nil {
		return fmt.Errorf("pull agent image: %w", err)
	}
	spec := runtime.ModuleSpec{
		Name: agent.Name,
		Type: agent.Type,
		Config: runtime.ModuleConfig{
			Image: agent.Config.Image,
		},
		Env: agent.Env,
	}
	if _, err := rt.Create(ctx, spec); err != nil {
		return fmt.Errorf("create agent container: %w", err)
	}
	if err := rt.Start(ctx, agent.Name); err != nil {
		return fmt.Errorf("start agent container: %w", err)
	}
	return nil
}

// listenAddr turns a "tcp://host:port" listen URI into the bare
// "host:port" form net.Listen expects.
func listenAddr(uri string) (string, error) {
	const prefix = "tcp://"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("unsupported listen uri %q, want tcp://host:port", uri)
	}
	return strings.TrimPrefix(uri, prefix), nil
}

// Run starts all three listeners and blocks until ctx is cancelled
// (typically by a signal watcher upstream), then drains in-flight
// requests up to ShutdownGrace before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := []*http.Server{s.management, s.workload, s.metrics}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			s.logger.Info("listening", zap.String("addr", srv.Addr))
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("error during shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}
