// Package config defines the gatekeeper configuration document, its defaults
// and validation, and the ConfigSource the engine reads targets from.
package config

import "time"

// Credential store kinds.
const (
	CredentialStoreMemory  = "memory"
	CredentialStoreKeyring = "keyring"
)

// Config represents the top-level configuration.
type Config struct {
	Targets     []TargetSpec      `yaml:"targets" mapstructure:"targets" validate:"required,min=1,dive"`
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials"`
	Engine      EngineConfig      `yaml:"engine" mapstructure:"engine"`
	Probe       ProbeConfig       `yaml:"probe" mapstructure:"probe"`
	MQTT        MQTTConfig        `yaml:"mqtt" mapstructure:"mqtt"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	EventBus    EventBusConfig    `yaml:"event_bus" mapstructure:"event_bus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
}

// TargetSpec describes one endpoint through which the relay can be triggered.
type TargetSpec struct {
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	Host      string `yaml:"host" mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port      int    `yaml:"port" mapstructure:"port" validate:"required,min=1,max=65535"`
	Transport string `yaml:"transport" mapstructure:"transport" validate:"required,oneof=udp mqtt"`

	// Secure enables TLS for the mqtt transport.
	Secure bool `yaml:"secure,omitempty" mapstructure:"secure"`
	// WebSocketPath connects the mqtt transport over websockets.
	WebSocketPath string `yaml:"websocket_path,omitempty" mapstructure:"websocket_path" validate:"omitempty,startswith=/"`
	// Timeout overrides the per-transport attempt budget.
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout" validate:"gte=0"`
	// AuthRef names an entry in Credentials.Entries.
	AuthRef string `yaml:"auth_ref,omitempty" mapstructure:"auth_ref"`
}

// CredentialsConfig selects the credential store and lists the known logins.
type CredentialsConfig struct {
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,oneof=memory keyring"`
	// Service is the OS keyring service name secrets are filed under.
	Service string                    `yaml:"service" mapstructure:"service"`
	Entries map[string]CredentialSpec `yaml:"entries" mapstructure:"entries" validate:"dive"`
}

// CredentialSpec is one login. Password is only read by the memory store;
// the keyring store fetches it from the OS keyring.
type CredentialSpec struct {
	Username string `yaml:"username" mapstructure:"username" validate:"required"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
}

// EngineConfig tunes the state machine timers and the coordinator budgets.
type EngineConfig struct {
	TriggerBudget   time.Duration `yaml:"trigger_budget" mapstructure:"trigger_budget" validate:"gte=0"`
	ReleaseBudget   time.Duration `yaml:"release_budget" mapstructure:"release_budget" validate:"gte=0"`
	RecoveryDelay   time.Duration `yaml:"recovery_delay" mapstructure:"recovery_delay" validate:"gte=0"`
	UDPBudget       time.Duration `yaml:"udp_budget" mapstructure:"udp_budget" validate:"gte=0"`
	MQTTBudget      time.Duration `yaml:"mqtt_budget" mapstructure:"mqtt_budget" validate:"gte=0"`
	ReachabilityTTL time.Duration `yaml:"reachability_ttl" mapstructure:"reachability_ttl" validate:"gte=0"`
	CheckOnStart    bool          `yaml:"check_on_start" mapstructure:"check_on_start"`
}

// ProbeConfig tunes the ICMP reachability probe.
type ProbeConfig struct {
	Mode       string        `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=auto privileged unprivileged"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
	Attempts   int           `yaml:"attempts" mapstructure:"attempts" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gte=0"`
}

// MQTTConfig holds the topic contract with the remote relay.
type MQTTConfig struct {
	TriggerTopic string `yaml:"trigger_topic" mapstructure:"trigger_topic"`
	StatusTopic  string `yaml:"status_topic" mapstructure:"status_topic"`
	QoS          byte   `yaml:"qos" mapstructure:"qos" validate:"lte=2"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required"`
	// PressRate is the sustained number of accepted presses per second.
	PressRate  float64 `yaml:"press_rate" mapstructure:"press_rate" validate:"gte=0"`
	PressBurst int     `yaml:"press_burst" mapstructure:"press_burst" validate:"gte=0"`
	// AllowedOrigins lists the CORS origins for the trigger routes.
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// EventBusConfig selects where domain events go. With no Kafka brokers the
// in-memory bus is used.
type EventBusConfig struct {
	Kafka KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures the Kafka event bus.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers" mapstructure:"brokers" validate:"dive,hostname_port"`
	StateTopic        string        `yaml:"state_topic" mapstructure:"state_topic"`
	TriggerTopic      string        `yaml:"trigger_topic" mapstructure:"trigger_topic"`
	ReachabilityTopic string        `yaml:"reachability_topic" mapstructure:"reachability_topic"`
	GroupID           string        `yaml:"group_id" mapstructure:"group_id"`
	ClientID          string        `yaml:"client_id" mapstructure:"client_id"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"gte=0"`
}

// Enabled reports whether Kafka brokers are configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// TelemetryConfig configures tracing, metrics and logging.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	MetricsAddr  string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	LogLevel     string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns a configuration with every optional field set. Targets are
// left empty.
func Default() *Config {
	return &Config{
		Credentials: CredentialsConfig{Store: CredentialStoreMemory, Service: "gatekeeper"},
		Engine: EngineConfig{
			TriggerBudget:   5 * time.Second,
			ReleaseBudget:   15 * time.Second,
			RecoveryDelay:   2500 * time.Millisecond,
			UDPBudget:       2 * time.Second,
			MQTTBudget:      5 * time.Second,
			ReachabilityTTL: time.Minute,
			CheckOnStart:    true,
		},
		Probe: ProbeConfig{
			Mode:       "auto",
			Timeout:    time.Second,
			Attempts:   3,
			RetryDelay: 500 * time.Millisecond,
		},
		MQTT: MQTTConfig{TriggerTopic: "gate/trigger", StatusTopic: "gate/status", QoS: 1},
		API: APIConfig{
			Addr:            ":8080",
			PressRate:       1,
			PressBurst:      2,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		EventBus: EventBusConfig{Kafka: KafkaConfig{
			StateTopic:        "gatekeeper.gate.state",
			TriggerTopic:      "gatekeeper.gate.trigger",
			ReachabilityTopic: "gatekeeper.gate.reachability",
			GroupID:           "gatekeeper",
			ClientID:          "gatekeeper",
			ConnectTimeout:    5 * time.Minute,
		}},
		Telemetry: TelemetryConfig{ServiceName: "gatekeeper", MetricsAddr: ":9090", LogLevel: "info"},
	}
}
