// Package viperloader loads configuration through viper: a YAML file with
// GATEKEEPER_* environment overrides, watched for changes.
package viperloader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// EnvPrefix prefixes every environment override, e.g. GATEKEEPER_API_ADDR.
const EnvPrefix = "GATEKEEPER"

var (
	_ config.Loader  = (*ViperLoader)(nil)
	_ config.Watcher = (*ViperLoader)(nil)
)

// ViperLoader reads the configuration file at path and overlays environment
// variables. Viper lowercases map keys, so auth references are matched
// case-insensitively.
type ViperLoader struct {
	mu     sync.Mutex
	v      *viper.Viper
	logger *logger.Logger
}

// NewViperLoader creates a loader for the YAML file at path.
func NewViperLoader(path string, log *logger.Logger) *ViperLoader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, config.Default())

	return &ViperLoader{v: v, logger: log.With("component", "viper_loader", "path", path)}
}

// setDefaults registers every scalar default so environment overrides apply
// to keys absent from the file.
func setDefaults(v *viper.Viper, d *config.Config) {
	v.SetDefault("credentials.store", d.Credentials.Store)
	v.SetDefault("credentials.service", d.Credentials.Service)

	v.SetDefault("engine.trigger_budget", d.Engine.TriggerBudget)
	v.SetDefault("engine.release_budget", d.Engine.ReleaseBudget)
	v.SetDefault("engine.recovery_delay", d.Engine.RecoveryDelay)
	v.SetDefault("engine.udp_budget", d.Engine.UDPBudget)
	v.SetDefault("engine.mqtt_budget", d.Engine.MQTTBudget)
	v.SetDefault("engine.reachability_ttl", d.Engine.ReachabilityTTL)
	v.SetDefault("engine.check_on_start", d.Engine.CheckOnStart)

	v.SetDefault("probe.mode", d.Probe.Mode)
	v.SetDefault("probe.timeout", d.Probe.Timeout)
	v.SetDefault("probe.attempts", d.Probe.Attempts)
	v.SetDefault("probe.retry_delay", d.Probe.RetryDelay)

	v.SetDefault("mqtt.trigger_topic", d.MQTT.TriggerTopic)
	v.SetDefault("mqtt.status_topic", d.MQTT.StatusTopic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.press_rate", d.API.PressRate)
	v.SetDefault("api.press_burst", d.API.PressBurst)
	v.SetDefault("api.allowed_origins", d.API.AllowedOrigins)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	k := d.EventBus.Kafka
	v.SetDefault("event_bus.kafka.brokers", k.Brokers)
	v.SetDefault("event_bus.kafka.state_topic", k.StateTopic)
	v.SetDefault("event_bus.kafka.trigger_topic", k.TriggerTopic)
	v.SetDefault("event_bus.kafka.reachability_topic", k.ReachabilityTopic)
	v.SetDefault("event_bus.kafka.group_id", k.GroupID)
	v.SetDefault("event_bus.kafka.client_id", k.ClientID)
	v.SetDefault("event_bus.kafka.connect_timeout", k.ConnectTimeout)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.log_level", d.Telemetry.LogLevel)
}

// Load reads the file, applies environment overrides and validates the result.
func (l *ViperLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.decode()
}

func (l *ViperLoader) decode() (*config.Config, error) {
	var cfg config.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for i := range cfg.Targets {
		cfg.Targets[i].AuthRef = strings.ToLower(cfg.Targets[i].AuthRef)
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch starts watching the configuration file. Each change that produces a
// valid configuration is passed to onChange; invalid edits are logged and
// ignored so the previous configuration stays active.
func (l *ViperLoader) Watch(ctx context.Context, onChange func(*config.Config)) error {
	if onChange == nil {
		return fmt.Errorf("onChange cannot be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			l.logger.Warn(ctx, "Ignoring invalid configuration change", "op", e.Op.String(), "error", err)
			return
		}
		l.logger.Info(ctx, "Configuration reloaded", "op", e.Op.String(), "targets", len(cfg.Targets))
		onChange(cfg)
	})
	l.v.WatchConfig()
	return nil
}
