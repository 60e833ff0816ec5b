package radio

// Event is one decoded unit of meaning from the device. The BBS layer
// consumes events exactly once, in frame order.
type Event interface {
	event()
}

// IncomingText is a text message heard on the mesh.
type IncomingText struct {
	From      uint32
	To        uint32
	Broadcast bool
	Channel   uint32
	Payload   string
}

// NodeInfo announces a remote node identity.
type NodeInfo struct {
	NodeNum   uint32
	ShortName string
	LongName  string
}

// MyInfo carries the local node number reported by the device.
type MyInfo struct {
	NodeNum uint32
}

type ConfigKind int

const (
	ConfigKindDevice ConfigKind = iota + 1
	ConfigKindModule
)

// ConfigFragment marks one piece of the device configuration download.
type ConfigFragment struct {
	Kind ConfigKind
}

// ConfigComplete ends a configuration download; RequestID echoes the
// handshake identifier sent in the want-config request.
type ConfigComplete struct {
	RequestID uint32
}

// AckReceived reports a routing-level acknowledgement for an outgoing
// packet. Failed is set when the peer reported a delivery error instead
// of a plain ack.
type AckReceived struct {
	MessageID uint32
	FromNode  uint32
	Failed    bool
}

func (IncomingText) event()   {}
func (NodeInfo) event()       {}
func (MyInfo) event()         {}
func (ConfigFragment) event() {}
func (ConfigComplete) event() {}
func (AckReceived) event()    {}
