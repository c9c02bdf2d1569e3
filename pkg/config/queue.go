package config

// QueueMode selects the Queue implementation wired at startup.
type QueueMode string

const (
	// QueueModeMemory is the process-local in-memory FIFO (pkg/queue).
	QueueModeMemory QueueMode = "memory"
	// QueueModeRabbitMQ is a durable broker-backed queue sharing the same
	// Put/Get contract. Only the constructor is a documented seam today;
	// no broker client ships in this repository's dependency set.
	QueueModeRabbitMQ QueueMode = "rabbitmq"
)

// RabbitMQConfig mirrors the RABBITMQ_* environment variables.
type RabbitMQConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"-"`
	Queue    string `yaml:"queue,omitempty"`
}

// QueueConfig selects and configures the work-item queue.
type QueueConfig struct {
	Mode     QueueMode      `yaml:"mode"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq,omitempty"`
	Capacity int            `yaml:"capacity,omitempty"` // in-memory FIFO buffer size; 0 = a 4096-item buffer
}

// DefaultQueueConfig returns the in-memory FIFO with the default 4096-item
// buffer.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Mode: QueueModeMemory}
}
