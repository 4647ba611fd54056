package kafkabus

import "errors"

// Sentinel errors for broker configuration.
var (
	ErrNoBrokers = errors.New("no kafka brokers configured")
	ErrNoTopic   = errors.New("kafka topic must not be empty")
)
