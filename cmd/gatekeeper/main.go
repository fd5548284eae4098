// Command gatekeeper runs the gate relay engine behind its HTTP control API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/gatekeeper/internal/api"
	"github.com/ahrav/gatekeeper/internal/app/gate"
	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/internal/config/credentials/keyring"
	"github.com/ahrav/gatekeeper/internal/config/viperloader"
	"github.com/ahrav/gatekeeper/internal/domain/events"
	eventdispatcher "github.com/ahrav/gatekeeper/internal/infra/event_dispatcher"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/kafka"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/memory"
	"github.com/ahrav/gatekeeper/internal/infra/icmp"
	"github.com/ahrav/gatekeeper/internal/infra/transport"
	"github.com/ahrav/gatekeeper/pkg/common"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
	"github.com/ahrav/gatekeeper/pkg/common/otel"
)

var build = "develop"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "gatekeeper.yaml", "path to the YAML configuration file")
	keyringSet := flag.String("keyring-set", "", "store the password read from stdin under this auth_ref and exit")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot := newLogger(logger.LevelInfo, "gatekeeper", hostname)

	loader := viperloader.NewViperLoader(*configPath, boot)
	cfg, err := loader.Load(ctx)
	if err != nil {
		boot.Error(ctx, "startup", "status", "loading config", "err", err)
		os.Exit(1)
	}

	lg := newLogger(logger.ParseLevel(cfg.Telemetry.LogLevel), cfg.Telemetry.ServiceName, hostname)

	if *keyringSet != "" {
		if err := storeSecret(ctx, cfg, *keyringSet); err != nil {
			lg.Error(ctx, "keyring", "auth_ref", *keyringSet, "err", err)
			os.Exit(1)
		}
		lg.Info(ctx, "keyring", "status", "secret stored", "auth_ref", *keyringSet)
		return
	}

	if err := run(ctx, lg, loader, cfg, hostname); err != nil {
		lg.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func newLogger(level logger.Level, service, hostname string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"build":    build,
	}
	return logger.NewWithMetadata(os.Stdout, level, service, otel.GetTraceID, logEvents, metadata)
}

// storeSecret reads one line from stdin and writes it to the OS keyring.
func storeSecret(ctx context.Context, cfg *config.Config, authRef string) error {
	authRef = strings.ToLower(authRef)
	if _, ok := cfg.Credentials.Entries[authRef]; !ok {
		return fmt.Errorf("auth_ref %q is not declared under credentials.entries", authRef)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}

	return keyring.NewStore(cfg.Credentials.Service, cfg.Credentials.Entries).Put(ctx, authRef, password)
}

func run(ctx context.Context, log *logger.Logger, loader *viperloader.ViperLoader, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	var (
		tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer(cfg.Telemetry.ServiceName)
		mp     metric.MeterProvider
	)
	if cfg.Telemetry.OTLPEndpoint != "" {
		log.Info(ctx, "startup", "status", "initializing tracing support", "endpoint", cfg.Telemetry.OTLPEndpoint)

		tp, meterProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
			Host:             hostname,
			ExcludedRoutes: map[string]struct{}{
				"/v1/readiness": {},
				"/v1/health":    {},
				"/metrics":      {},
			},
			Probability:        0.1,
			ResourceAttributes: map[string]string{"library.language": "go"},
			InsecureExporter:   true,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(context.Background())

		tracer = tp.Tracer(cfg.Telemetry.ServiceName)
		mp = meterProvider
	} else {
		otel.SetPropagator()
		mp = otel.NewMeterProvider(cfg.Telemetry.ServiceName)
	}

	gateMetrics, err := gate.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating gate metrics: %w", err)
	}
	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}

	// -------------------------------------------------------------------------
	// Configuration Source
	creds, err := credentialStore(cfg)
	if err != nil {
		return err
	}
	source := config.NewSource(cfg, creds)

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	var bus events.EventBus
	if cfg.EventBus.Kafka.Enabled() {
		log.Info(ctx, "startup", "status", "connecting to kafka", "brokers", cfg.EventBus.Kafka.Brokers)
		kbus, err := kafka.ConnectWithRetry(ctx, kafkaConfig(cfg), cfg.EventBus.Kafka.ConnectTimeout,
			log, kafka.NewMetrics(prometheus.DefaultRegisterer), tracer)
		if err != nil {
			return fmt.Errorf("connecting to kafka: %w", err)
		}
		bus = kbus
	} else {
		log.Info(ctx, "startup", "status", "using in-memory event bus")
		bus = memory.NewBroker()
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error(context.Background(), "shutdown", "status", "closing event bus", "err", err)
		}
	}()

	dispatcher := eventdispatcher.New(tracer, log)
	gate.NewAuditLog(log).Register(ctx, dispatcher)
	if err := bus.Subscribe(ctx, dispatcher.EventTypes(), dispatcher.Dispatch); err != nil {
		return fmt.Errorf("subscribing audit log: %w", err)
	}
	publisher := events.NewBusPublisher(bus)

	// -------------------------------------------------------------------------
	// Gate Engine
	factory := transport.NewFactory(mqttConfig(cfg), source, log, tracer)
	prober := icmp.NewProber(tracer, log, icmp.WithMode(probeMode(cfg)))
	coordinator := gate.NewCoordinator(factory, coordinatorConfig(cfg), nil, gateMetrics, log, tracer)

	engine := gate.NewEngine(source, factory, prober, coordinator, engineConfig(cfg), gateMetrics, log, tracer,
		gate.WithPublisher(publisher))
	stateEvents := gate.NewPublishingObserver(publisher, gate.DefaultPublishQueue, log)
	go func() { _ = stateEvents.Run(ctx) }()
	engine.Subscribe(stateEvents)
	hub := gate.NewHub(gate.DefaultHubBuffer)
	engine.Subscribe(hub)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting gate engine: %w", err)
	}
	defer engine.Stop()

	var ready atomic.Bool
	ready.Store(true)

	// -------------------------------------------------------------------------
	// Start API Service
	limiter := common.NewRateLimiter(pressLimits(cfg))
	server := api.NewServer(cfg.API, engine, limiter, ready.Load, apiMetrics, log, tracer,
		api.WithTransitions(hub))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gctx) })

	if cfg.Telemetry.MetricsAddr != "" {
		g.Go(func() error {
			log.Info(gctx, "startup", "status", "metrics server started", "addr", cfg.Telemetry.MetricsAddr)
			return common.RunMetricsServer(gctx, cfg.Telemetry.MetricsAddr)
		})
	}

	// -------------------------------------------------------------------------
	// Configuration Reload
	g.Go(func() error {
		err := loader.Watch(gctx, func(next *config.Config) {
			nextCreds, err := credentialStore(next)
			if err != nil {
				log.Error(gctx, "reload", "status", "credential store", "err", err)
				return
			}
			source.Update(next, nextCreds)
			limiter.UpdateLimits(pressLimits(next))
			if err := engine.Reconfigure(gctx); err != nil {
				log.Warn(gctx, "reload", "status", "engine rejected reconfigure", "err", err)
				return
			}
			log.Info(gctx, "reload", "status", "configuration applied", "targets", len(next.Targets))
		})
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	log.Info(ctx, "startup", "status", "gatekeeper running", "api", cfg.API.Addr, "targets", len(cfg.Targets))

	err = g.Wait()
	ready.Store(false)
	log.Info(context.Background(), "shutdown", "status", "stopping", "reason", context.Cause(ctx))
	return err
}
