// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memrt/pkg/healthz"
	"github.com/containers/memrt/pkg/instrumentation/tracing"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "memrt"
	// MetricsNamespace prefixes all our exported metrics.
	MetricsNamespace = "memrt"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.Mutex
	// Our HTTP server and its listener.
	srv      *http.Server
	listener net.Listener
	// Our metrics gatherer.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.Get("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

// SetIdentity sets (extra) process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// Start our instrumentation services with the given configuration.
func Start(newCfg *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	if newCfg != nil {
		cfg = newCfg
	}

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	stop()
	cfg = newCfg

	err := start()
	if err != nil {
		log.Error("failed to restart instrumentation: %v", err)
	}

	return err
}

// Address returns the address our HTTP server is listening on, if any.
func Address() string {
	lock.Lock()
	defer lock.Unlock()

	if listener == nil {
		return ""
	}
	return listener.Addr().String()
}

func start() error {
	resource, err := GetResource()
	if err != nil {
		return err
	}

	if err := tracing.Start(
		resource,
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(float64(cfg.SamplingRatePerMillion)/float64(1000000)),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint, not exporting metrics")
		return nil
	}

	opts := []metrics.GathererOption{
		metrics.WithNamespace(MetricsNamespace),
		metrics.WithMetrics(cfg.Metrics.GetEnabled(), cfg.Metrics.GetPolled()),
	}
	if period := cfg.ReportPeriod.Duration; period > 0 {
		opts = append(opts, metrics.WithPollInterval(period))
	}

	g, err := metrics.NewGatherer(opts...)
	if err != nil {
		return fmt.Errorf("failed to create metrics gatherer: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		g.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	healthz.Setup(mux)

	gatherer = g
	listener = ln
	srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(s *http.Server, ln net.Listener) {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(srv, ln)

	log.Info("serving /metrics and /healthz at %s", ln.Addr())

	return nil
}

func stop() {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("failed to shut down HTTP server: %v", err)
		}
		srv = nil
		listener = nil
	}
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	tracing.Stop()
}
