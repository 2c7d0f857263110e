package options

// NodeOptions is options that affect the whole node
type NodeOptions struct {
	// Set to true to enable verbose logging
	EnableDebugMessages bool

	// Peers to initially connect
	InitialPeers []string

	// Directory holding the inventory database
	DataDir string
}

// NewNodeOptions creates a NodeOptions object which controls how the node works
func NewNodeOptions() *NodeOptions {
	return &NodeOptions{
		EnableDebugMessages: false,
		InitialPeers:        make([]string, 0),
		DataDir:             "",
	}
}
