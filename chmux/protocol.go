package chmux

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap/zapcore"
)

const (
	protocolVersion = 1

	dataFlagFirst uint8 = 1 << 0
	dataFlagLast  uint8 = 1 << 1

	dataHeaderLength    = 6
	openViaHeaderLength = 7
	openEntryLength     = 8
)

type MessageType byte

var _ zapcore.ObjectMarshaler = MessageType(0)

func (t MessageType) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("MessageType", t.String())
	return nil
}

const (
	MessageUnknown      MessageType = iota // unknown
	MessageHello                           // hello
	MessageOpen                            // open
	MessageOpenVia                         // open_via
	MessageAccepted                        // accepted
	MessageRejected                        // rejected
	MessageData                            // data
	MessageCredits                         // credits
	MessageSendFinish                      // send_finish
	MessageReceiveClose                    // receive_close
	MessageGoodbye                         // goodbye
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessageOpen:
		return "open"
	case MessageOpenVia:
		return "open_via"
	case MessageAccepted:
		return "accepted"
	case MessageRejected:
		return "rejected"
	case MessageData:
		return "data"
	case MessageCredits:
		return "credits"
	case MessageSendFinish:
		return "send_finish"
	case MessageReceiveClose:
		return "receive_close"
	case MessageGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

type openEntry struct {
	Port   uint32
	Window uint32
}

// message is a single multiplexer frame. Port always names the port number
// local to the receiving side, except for Open, Accepted and Rejected which
// carry the requesting side's port.
type message struct {
	Type       MessageType
	Version    uint8
	Port       uint32
	ServerPort uint32
	Window     uint32
	Amount     uint32
	Flags      uint8
	Reason     RejectReason
	Opens      []openEntry
	Payload    []byte
}

func (m *message) Pack() []byte {
	var b []byte
	switch m.Type {
	case MessageHello:
		b = []byte{byte(m.Type), m.Version}
	case MessageOpen:
		b = make([]byte, 9)
		binary.BigEndian.PutUint32(b[1:5], m.Port)
		binary.BigEndian.PutUint32(b[5:9], m.Window)
	case MessageOpenVia:
		b = make([]byte, openViaHeaderLength+openEntryLength*len(m.Opens))
		binary.BigEndian.PutUint32(b[1:5], m.Port)
		binary.BigEndian.PutUint16(b[5:7], uint16(len(m.Opens)))
		for i, o := range m.Opens {
			off := openViaHeaderLength + i*openEntryLength
			binary.BigEndian.PutUint32(b[off:off+4], o.Port)
			binary.BigEndian.PutUint32(b[off+4:off+8], o.Window)
		}
	case MessageAccepted:
		b = make([]byte, 13)
		binary.BigEndian.PutUint32(b[1:5], m.Port)
		binary.BigEndian.PutUint32(b[5:9], m.ServerPort)
		binary.BigEndian.PutUint32(b[9:13], m.Window)
	case MessageRejected:
		b = make([]byte, 6)
		binary.BigEndian.PutUint32(b[1:5], m.Port)
		b[5] = byte(m.Reason)
	case MessageData:
		b = make([]byte, dataHeaderLength+len(m.Payload))
		binary.BigEndian.PutUint32(b[1:5], m.Port)
		b[5] = m.Flags
		copy(b[dataHeaderLength:], m.Payload)
	case MessageCredits:
		b = make([]byte, 9)
		binary.BigEndian.PutUint32(b[1:5], m.Port)
		binary.BigEndian.PutUint32(b[5:9], m.Amount)
	case MessageSendFinish, MessageReceiveClose:
		b = make([]byte, 5)
		binary.BigEndian.PutUint32(b[1:5], m.Port)
	case MessageGoodbye:
		b = make([]byte, 1)
	default:
		panic(fmt.Sprintf("packing unknown message type %d", m.Type))
	}
	b[0] = byte(m.Type)
	return b
}

func (m *message) Unpack(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty frame")
	}
	m.Type = MessageType(b[0])

	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("%s frame too short: %d bytes", m.Type, len(b))
		}
		return nil
	}

	switch m.Type {
	case MessageHello:
		if err := need(2); err != nil {
			return err
		}
		m.Version = b[1]
	case MessageOpen:
		if err := need(9); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
		m.Window = binary.BigEndian.Uint32(b[5:9])
	case MessageOpenVia:
		if err := need(openViaHeaderLength); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
		n := int(binary.BigEndian.Uint16(b[5:7]))
		if err := need(openViaHeaderLength + n*openEntryLength); err != nil {
			return err
		}
		m.Opens = make([]openEntry, n)
		for i := range m.Opens {
			off := openViaHeaderLength + i*openEntryLength
			m.Opens[i].Port = binary.BigEndian.Uint32(b[off : off+4])
			m.Opens[i].Window = binary.BigEndian.Uint32(b[off+4 : off+8])
		}
	case MessageAccepted:
		if err := need(13); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
		m.ServerPort = binary.BigEndian.Uint32(b[5:9])
		m.Window = binary.BigEndian.Uint32(b[9:13])
	case MessageRejected:
		if err := need(6); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
		m.Reason = RejectReason(b[5])
	case MessageData:
		if err := need(dataHeaderLength); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
		m.Flags = b[5]
		m.Payload = b[dataHeaderLength:]
	case MessageCredits:
		if err := need(9); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
		m.Amount = binary.BigEndian.Uint32(b[5:9])
	case MessageSendFinish, MessageReceiveClose:
		if err := need(5); err != nil {
			return err
		}
		m.Port = binary.BigEndian.Uint32(b[1:5])
	case MessageGoodbye:
	default:
		return fmt.Errorf("unknown message type %d", b[0])
	}
	return nil
}
