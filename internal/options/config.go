package options

// Config is the entire configuration file
type Config struct {
	NodeOptions              NodeOptions
	FetchOptions             FetchOptions
	AdvertiserOptions        AdvertiserOptions
	PeerConnectionOptions    PeerConnectionOptions
	PeerErrorHandlerOptions  PeerErrorHandlerOptions
	ConnectionManagerOptions ConnectionManagerOptions
}

// NewConfig creates a new Config
func NewConfig() *Config {
	config := Config{
		NodeOptions:              *NewNodeOptions(),
		FetchOptions:             *NewFetchOptions(),
		AdvertiserOptions:        *NewAdvertiserOptions(),
		PeerConnectionOptions:    *NewPeerConnectionOptions(),
		PeerErrorHandlerOptions:  *NewPeerErrorHandlerOptions(),
		ConnectionManagerOptions: *NewConnectionManagerOptions(),
	}
	return &config
}
