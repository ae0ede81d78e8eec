package amqp

import "time"

// Copy of defaults from streadway amqp
const (
	defaultHeartbeat = 10 * time.Second
	defaultLocale    = "en_US"
)

// defaultRecoveryInterval is the fixed wait before each reconnect attempt.
const defaultRecoveryInterval = 5 * time.Second
