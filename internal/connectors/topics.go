package connectors

const (
	TopicConnStatus    = "conn.status"
	TopicRawFrameIn    = "raw.frame.in"
	TopicRawFrameOut   = "raw.frame.out"
	TopicDeliveryState = "delivery.state"
	TopicSyncState     = "sync.state"
	TopicNodeSeen      = "node.seen"
)
