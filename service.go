// service.go
package kafkagateway

import (
	"github.com/YaganovValera/kafka-gateway/internal/gateway"
	"github.com/YaganovValera/kafka-gateway/pkg/backoff"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka/consumer"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka/producer"
)

// ServiceNameKey is the metric label carrying the service name.
const ServiceNameKey = "service"

// InitServiceName sets the service label used by every metric vector.
// Call it from main before any client is built.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	consumer.SetServiceLabel(name)
	gateway.SetServiceLabel(name)
}
