package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

const publishOperation = "nats.publish"

// classifyNATSError retries publishes that failed because the connection
// is between servers; anything else (bad subject, payload too large) fails
// fast.
func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected):
		return resilience.Transient
	}
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	return resilience.Permanent
}

func wrapTemporaryIfNeeded(err error) error {
	return resilience.WrapTemporary("nats publish", err, classifyNATSError)
}
