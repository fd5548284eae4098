package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// ClientConfig identifies the brokers and the client id reported to them.
type ClientConfig struct {
	Brokers  []string
	ClientID string
}

// NewSaramaConfig returns the producer and consumer settings shared by every
// gatekeeper Kafka client.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	// The audit consumer only cares about events produced after startup.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Gate events share one key so they keep their order on a single partition.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 250 * time.Millisecond

	config.Version = sarama.V3_6_0_0

	return config
}

// NewClient dials the brokers in cfg.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
}
