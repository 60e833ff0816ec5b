package connectors

import "time"

// ConnectionState describes the transport lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateDown         ConnectionState = "down"
)

// ConnStatus is a bus event snapshot of the transport status.
type ConnStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Timestamp     time.Time
}

// RawFrame carries frame diagnostics for debug taps.
type RawFrame struct {
	Hex string
	Len int
}

// DeliveryState reports the final fate of a tracked outgoing message.
type DeliveryState struct {
	MessageID uint32
	Direct    bool
	Delivered bool
	Attempts  int
	Elapsed   time.Duration
}

// SyncState reports device configuration handshake progress.
type SyncState struct {
	Phase     string
	RequestID uint32
	Timestamp time.Time
}

// NodeSeen announces a node identity observed on the mesh.
type NodeSeen struct {
	NodeNum   uint32
	ShortName string
	LongName  string
	Timestamp time.Time
}
