package radio

// Destination addresses an outgoing message: a specific node for a
// direct message, or a channel for a broadcast.
type Destination struct {
	NodeNum   uint32
	Channel   uint32
	Broadcast bool
}

func Direct(nodeNum, channel uint32) Destination {
	return Destination{NodeNum: nodeNum, Channel: channel}
}

func Broadcast(channel uint32) Destination {
	return Destination{Broadcast: true, Channel: channel}
}

// EncodedText is an outbound text frame with its tracking metadata.
type EncodedText struct {
	Payload   []byte
	MessageID uint32
	WantAck   bool
}

// Codec translates between frame payloads and events. Full schema
// decoding is out of scope; only the event subset the transport core
// needs is interpreted.
type Codec interface {
	// EncodeWantConfig generates a fresh handshake identifier and the
	// request frame carrying it.
	EncodeWantConfig() (payload []byte, requestID uint32, err error)
	EncodeHeartbeat() ([]byte, error)
	EncodeText(dest Destination, text string, wantAck bool) (EncodedText, error)
	DecodeFromRadio(payload []byte) ([]Event, error)
	// LocalNodeNum returns the device's own node number, or zero before
	// MyInfo has been observed.
	LocalNodeNum() uint32
}
