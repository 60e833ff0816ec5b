package radio

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Meshtastic envelope field numbers. Only the subset of the upstream
// schema that produces events is interpreted; everything else is
// skipped field by field.
const (
	// FromRadio
	fromRadioPacket           = 2
	fromRadioMyInfo           = 3
	fromRadioNodeInfo         = 4
	fromRadioConfig           = 5
	fromRadioConfigCompleteID = 7
	fromRadioModuleConfig     = 9

	// ToRadio
	toRadioPacket       = 1
	toRadioWantConfigID = 3
	toRadioHeartbeat    = 7

	// MeshPacket
	meshPacketFrom    = 1
	meshPacketTo      = 2
	meshPacketChannel = 3
	meshPacketDecoded = 4
	meshPacketID      = 6
	meshPacketHopLim  = 9
	meshPacketWantAck = 10
	meshPacketPrio    = 11

	// Data
	dataPortnum   = 1
	dataPayload   = 2
	dataRequestID = 6

	// MyNodeInfo
	myInfoNodeNum = 1

	// NodeInfo
	nodeInfoNum  = 1
	nodeInfoUser = 2

	// User
	userLongName  = 2
	userShortName = 3

	// Routing
	routingErrorReason = 3

	portnumTextMessage = 1
	portnumRouting     = 5

	priorityReliable = 70
	defaultHopLimit  = 3

	broadcastNodeNum = ^uint32(0)
)

// MeshtasticCodec implements Codec for the wired Meshtastic protobuf
// envelope, decoded by hand with protowire.
type MeshtasticCodec struct {
	wantConfigID atomic.Uint32
	packetID     atomic.Uint32
	localNodeNum atomic.Uint32
}

func NewMeshtasticCodec() (*MeshtasticCodec, error) {
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed packet id: %w", err)
	}
	c := &MeshtasticCodec{}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

func (c *MeshtasticCodec) LocalNodeNum() uint32 {
	return c.localNodeNum.Load()
}

// WantConfigID returns the identifier of the outstanding handshake
// request, or zero if none was sent yet.
func (c *MeshtasticCodec) WantConfigID() uint32 {
	return c.wantConfigID.Load()
}

func (c *MeshtasticCodec) EncodeWantConfig() ([]byte, uint32, error) {
	id := c.nextNonZeroID()
	c.wantConfigID.Store(id)

	var payload []byte
	payload = protowire.AppendTag(payload, toRadioWantConfigID, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(id))

	return payload, id, nil
}

func (c *MeshtasticCodec) EncodeHeartbeat() ([]byte, error) {
	var payload []byte
	payload = protowire.AppendTag(payload, toRadioHeartbeat, protowire.BytesType)
	payload = protowire.AppendBytes(payload, nil)

	return payload, nil
}

func (c *MeshtasticCodec) EncodeText(dest Destination, text string, wantAck bool) (EncodedText, error) {
	if !utf8.ValidString(text) {
		return EncodedText{}, fmt.Errorf("message body is not valid utf-8")
	}

	to := dest.NodeNum
	if dest.Broadcast {
		to = broadcastNodeNum
	}
	packetID := c.nextNonZeroID()
	if !dest.Broadcast {
		// Direct messages always request an acknowledgement.
		wantAck = true
	}

	var data []byte
	data = protowire.AppendTag(data, dataPortnum, protowire.VarintType)
	data = protowire.AppendVarint(data, portnumTextMessage)
	data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte(text))

	var packet []byte
	packet = protowire.AppendTag(packet, meshPacketTo, protowire.VarintType)
	packet = protowire.AppendVarint(packet, uint64(to))
	if dest.Channel != 0 {
		packet = protowire.AppendTag(packet, meshPacketChannel, protowire.VarintType)
		packet = protowire.AppendVarint(packet, uint64(dest.Channel))
	}
	packet = protowire.AppendTag(packet, meshPacketDecoded, protowire.BytesType)
	packet = protowire.AppendBytes(packet, data)
	packet = protowire.AppendTag(packet, meshPacketID, protowire.VarintType)
	packet = protowire.AppendVarint(packet, uint64(packetID))
	packet = protowire.AppendTag(packet, meshPacketHopLim, protowire.VarintType)
	packet = protowire.AppendVarint(packet, defaultHopLimit)
	if wantAck {
		packet = protowire.AppendTag(packet, meshPacketWantAck, protowire.VarintType)
		packet = protowire.AppendVarint(packet, 1)
	}
	if !dest.Broadcast {
		packet = protowire.AppendTag(packet, meshPacketPrio, protowire.VarintType)
		packet = protowire.AppendVarint(packet, priorityReliable)
	}

	var payload []byte
	payload = protowire.AppendTag(payload, toRadioPacket, protowire.BytesType)
	payload = protowire.AppendBytes(payload, packet)

	return EncodedText{
		Payload:   payload,
		MessageID: packetID,
		WantAck:   wantAck,
	}, nil
}

func (c *MeshtasticCodec) DecodeFromRadio(payload []byte) ([]Event, error) {
	var events []Event

	err := eachField(payload, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case fromRadioPacket:
			if typ != protowire.BytesType {
				return nil
			}
			if ev := c.decodeMeshPacket(value); ev != nil {
				events = append(events, ev)
			}
		case fromRadioMyInfo:
			if typ != protowire.BytesType {
				return nil
			}
			if nodeNum, ok := firstVarintField(value, myInfoNodeNum); ok && nodeNum != 0 {
				c.localNodeNum.Store(uint32(nodeNum))
				events = append(events, MyInfo{NodeNum: uint32(nodeNum)})
			}
		case fromRadioNodeInfo:
			if typ != protowire.BytesType {
				return nil
			}
			if ev, ok := decodeNodeInfo(value); ok {
				events = append(events, ev)
			}
		case fromRadioConfig:
			events = append(events, ConfigFragment{Kind: ConfigKindDevice})
		case fromRadioModuleConfig:
			events = append(events, ConfigFragment{Kind: ConfigKindModule})
		case fromRadioConfigCompleteID:
			if typ != protowire.VarintType {
				return nil
			}
			id, _ := protowire.ConsumeVarint(value)
			events = append(events, ConfigComplete{RequestID: uint32(id)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode fromradio envelope: %w", err)
	}

	return events, nil
}

func (c *MeshtasticCodec) decodeMeshPacket(raw []byte) Event {
	var (
		from, to, channel uint64
		data              []byte
	)

	err := eachField(raw, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case meshPacketFrom:
			from, _ = protowire.ConsumeVarint(value)
		case meshPacketTo:
			to, _ = protowire.ConsumeVarint(value)
		case meshPacketChannel:
			channel, _ = protowire.ConsumeVarint(value)
		case meshPacketDecoded:
			if typ == protowire.BytesType {
				data = value
			}
		}
		return nil
	})
	if err != nil || data == nil {
		return nil
	}

	var (
		portnum, requestID uint64
		body               []byte
	)
	err = eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case dataPortnum:
			portnum, _ = protowire.ConsumeVarint(value)
		case dataPayload:
			if typ == protowire.BytesType {
				body = value
			}
		case dataRequestID:
			requestID, _ = protowire.ConsumeVarint(value)
		}
		return nil
	})
	if err != nil {
		return nil
	}

	switch portnum {
	case portnumTextMessage:
		if !utf8.Valid(body) {
			return nil
		}
		return IncomingText{
			From:      uint32(from),
			To:        uint32(to),
			Broadcast: uint32(to) == broadcastNodeNum,
			Channel:   uint32(channel),
			Payload:   string(body),
		}
	case portnumRouting:
		if requestID == 0 {
			return nil
		}
		errReason, _ := firstVarintField(body, routingErrorReason)
		return AckReceived{
			MessageID: uint32(requestID),
			FromNode:  uint32(from),
			Failed:    errReason != 0,
		}
	default:
		return nil
	}
}

func decodeNodeInfo(raw []byte) (NodeInfo, bool) {
	var ev NodeInfo

	err := eachField(raw, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case nodeInfoNum:
			n, _ := protowire.ConsumeVarint(value)
			ev.NodeNum = uint32(n)
		case nodeInfoUser:
			if typ != protowire.BytesType {
				return nil
			}
			return eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case userLongName:
					ev.LongName = string(value)
				case userShortName:
					ev.ShortName = string(value)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil || ev.NodeNum == 0 {
		return NodeInfo{}, false
	}

	return ev, true
}

func (c *MeshtasticCodec) nextNonZeroID() uint32 {
	for {
		if id := c.packetID.Add(1); id != 0 {
			return id
		}
	}
}

// eachField walks one protobuf message's top-level fields, handing the
// callback the raw value bytes: the unparsed varint bytes for varint
// fields, the content for length-delimited fields, and the fixed bytes
// otherwise.
func eachField(raw []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return protowire.ParseError(n)
		}
		raw = raw[n:]

		var value []byte
		switch typ {
		case protowire.VarintType:
			_, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return protowire.ParseError(m)
			}
			value = raw[:m]
			raw = raw[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return protowire.ParseError(m)
			}
			value = v
			raw = raw[m:]
		case protowire.Fixed32Type:
			if len(raw) < 4 {
				return protowire.ParseError(-1)
			}
			value = raw[:4]
			raw = raw[4:]
		case protowire.Fixed64Type:
			if len(raw) < 8 {
				return protowire.ParseError(-1)
			}
			value = raw[:8]
			raw = raw[8:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, raw)
			if m < 0 {
				return protowire.ParseError(m)
			}
			raw = raw[m:]
			continue
		}

		if err := fn(num, typ, value); err != nil {
			return err
		}
	}

	return nil
}

// firstVarintField scans a message for one varint field and returns its
// value.
func firstVarintField(raw []byte, field protowire.Number) (uint64, bool) {
	var out uint64
	found := false
	_ = eachField(raw, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == field && typ == protowire.VarintType && !found {
			out, _ = protowire.ConsumeVarint(value)
			found = true
		}
		return nil
	})

	return out, found
}
