package options

import "time"

const (
	streamOpenTimeoutDefault = time.Second * 5
	reconnectIntervalDefault = time.Second * 10

	protocolVersionRetryTimeDefault = time.Millisecond * 50
	protocolVersionTimeoutDefault   = time.Second * 5
)

// ConnectionManagerOptions are options for ConnectionManager
type ConnectionManagerOptions struct {
	StreamOpenTimeout time.Duration
	ReconnectInterval time.Duration

	ProtocolVersionRetryTime time.Duration
	ProtocolVersionTimeout   time.Duration
}

// NewConnectionManagerOptions returns default initialized ConnectionManagerOptions
func NewConnectionManagerOptions() *ConnectionManagerOptions {
	return &ConnectionManagerOptions{
		StreamOpenTimeout: streamOpenTimeoutDefault,
		ReconnectInterval: reconnectIntervalDefault,

		ProtocolVersionRetryTime: protocolVersionRetryTimeDefault,
		ProtocolVersionTimeout:   protocolVersionTimeoutDefault,
	}
}
