package config

// TopologyConfig defines exchanges, queues and bindings to create when the
// broker starts. Used with the WithTopology option for initial setup; runtime
// management happens through channel operations.
type TopologyConfig struct {
	Exchanges []ExchangeConfig
	Queues    []QueueConfig
}

// ExchangeConfig defines configuration for an exchange
type ExchangeConfig struct {
	Name       string
	Type       string // "direct", "fanout", "topic"
	Durable    bool
	AutoDelete bool
	Internal   bool
}

// QueueConfig defines configuration for a queue
type QueueConfig struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Bindings   map[string]bool // Exchange bindings: "exchangeName:routingKey" -> true
}
