package main

import (
	"fmt"
	"math"

	"github.com/ahrav/gatekeeper/internal/app/gate"
	"github.com/ahrav/gatekeeper/internal/config"
	"github.com/ahrav/gatekeeper/internal/config/credentials"
	"github.com/ahrav/gatekeeper/internal/config/credentials/keyring"
	"github.com/ahrav/gatekeeper/internal/config/credentials/memory"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/internal/infra/eventbus/kafka"
	"github.com/ahrav/gatekeeper/internal/infra/icmp"
	"github.com/ahrav/gatekeeper/internal/infra/transport/mqtt"
)

func engineConfig(cfg *config.Config) gate.EngineConfig {
	return gate.EngineConfig{
		TriggerBudget:   cfg.Engine.TriggerBudget,
		ReleaseBudget:   cfg.Engine.ReleaseBudget,
		RecoveryDelay:   cfg.Engine.RecoveryDelay,
		ProbeTimeout:    cfg.Probe.Timeout,
		ProbeAttempts:   cfg.Probe.Attempts,
		ProbeRetryDelay: cfg.Probe.RetryDelay,
		ReachabilityTTL: cfg.Engine.ReachabilityTTL,
		CheckOnStart:    cfg.Engine.CheckOnStart,
	}
}

func coordinatorConfig(cfg *config.Config) gate.CoordinatorConfig {
	c := gate.DefaultCoordinatorConfig()
	if cfg.Engine.UDPBudget > 0 {
		c.Budgets[domain.TransportUDP] = cfg.Engine.UDPBudget
	}
	if cfg.Engine.MQTTBudget > 0 {
		c.Budgets[domain.TransportMQTT] = cfg.Engine.MQTTBudget
	}
	if cfg.Engine.ReleaseBudget > 0 {
		c.ReleaseBudget = cfg.Engine.ReleaseBudget
	}
	return c
}

func mqttConfig(cfg *config.Config) mqtt.Config {
	return mqtt.Config{
		TriggerTopic: cfg.MQTT.TriggerTopic,
		StatusTopic:  cfg.MQTT.StatusTopic,
		QoS:          cfg.MQTT.QoS,
	}
}

func kafkaConfig(cfg *config.Config) *kafka.Config {
	k := cfg.EventBus.Kafka
	return &kafka.Config{
		Brokers:           k.Brokers,
		StateTopic:        k.StateTopic,
		TriggerTopic:      k.TriggerTopic,
		ReachabilityTopic: k.ReachabilityTopic,
		GroupID:           k.GroupID,
		ClientID:          k.ClientID,
	}
}

func probeMode(cfg *config.Config) icmp.Mode {
	if cfg.Probe.Mode == "" {
		return icmp.ModeAuto
	}
	return icmp.Mode(cfg.Probe.Mode)
}

// pressLimits maps the API press rate onto limiter settings. A zero rate
// disables throttling.
func pressLimits(cfg *config.Config) (float64, int) {
	rps, burst := cfg.API.PressRate, cfg.API.PressBurst
	if rps <= 0 {
		rps = math.Inf(1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rps, burst
}

func credentialStore(cfg *config.Config) (credentials.Store, error) {
	switch cfg.Credentials.Store {
	case config.CredentialStoreMemory, "":
		return memory.NewCredentialStore(cfg.Credentials.Entries), nil
	case config.CredentialStoreKeyring:
		return keyring.NewStore(cfg.Credentials.Service, cfg.Credentials.Entries), nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", cfg.Credentials.Store)
	}
}
