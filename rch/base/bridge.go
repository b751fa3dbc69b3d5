package base

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
)

// ErrNotActive is returned by Connect and Accept when the calling goroutine
// is not encoding or decoding a message in Sender.Send or Receiver.Recv.
var ErrNotActive = errors.New("no channel message is being encoded or decoded")

// Connector waits for the port requested for a sent handle.
type Connector func(ctx context.Context) (*chmux.Sender, *chmux.Receiver, error)

// ConnectCallback is run in its own goroutine once the message carrying the
// handle has been sent. When the send failed, connect returns an error.
type ConnectCallback func(connect Connector)

// AcceptCallback is run in its own goroutine once the port request for a
// received handle arrived. It must accept or refuse req.
type AcceptCallback func(port *chmux.PortNumber, req *chmux.Request)

type connectEntry struct {
	port  *chmux.PortNumber
	cb    ConnectCallback
	abort func()
}

// PortSerializer collects the ports of handles encoded into one message.
type PortSerializer struct {
	allocator *chmux.Allocator
	codec     codec.Codec

	mu      sync.Mutex
	entries []connectEntry
}

type acceptEntry struct {
	port *chmux.PortNumber
	cb   AcceptCallback
}

// PortDeserializer collects the ports of handles decoded from one message.
type PortDeserializer struct {
	allocator *chmux.Allocator
	codec     codec.Codec

	mu      sync.Mutex
	entries map[uint32]acceptEntry
}

// slots binds an in-flight encoding or decoding to the goroutine running
// the codec. Handle methods called by the codec run on that goroutine and
// find their message there; any other goroutine finds nothing.
type slots struct {
	mu            sync.Mutex
	serializers   map[uint64]*PortSerializer
	deserializers map[uint64]*PortDeserializer
}

var active = &slots{
	serializers:   make(map[uint64]*PortSerializer),
	deserializers: make(map[uint64]*PortDeserializer),
}

func (s *slots) bindSerializer(ps *PortSerializer) func() {
	id := goroutineID()
	s.mu.Lock()
	prev, had := s.serializers[id]
	s.serializers[id] = ps
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if had {
			s.serializers[id] = prev
		} else {
			delete(s.serializers, id)
		}
		s.mu.Unlock()
	}
}

func (s *slots) bindDeserializer(pd *PortDeserializer) func() {
	id := goroutineID()
	s.mu.Lock()
	prev, had := s.deserializers[id]
	s.deserializers[id] = pd
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if had {
			s.deserializers[id] = prev
		} else {
			delete(s.deserializers, id)
		}
		s.mu.Unlock()
	}
}

func (s *slots) serializer() *PortSerializer {
	id := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serializers[id]
}

func (s *slots) deserializer() *PortDeserializer {
	id := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deserializers[id]
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id from the header of the current stack trace,
// "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("base: cannot parse goroutine id from " + strconv.Quote(string(buf[:n])))
	}
	return id
}

func serialize(allocator *chmux.Allocator, c codec.Codec, v any) ([]byte, *PortSerializer, error) {
	ps := &PortSerializer{allocator: allocator, codec: c}
	unbind := active.bindSerializer(ps)
	defer unbind()
	data, err := c.Marshal(v)
	return data, ps, err
}

func deserialize(allocator *chmux.Allocator, c codec.Codec, data []byte, v any) (*PortDeserializer, error) {
	pd := &PortDeserializer{allocator: allocator, codec: c, entries: make(map[uint32]acceptEntry)}
	unbind := active.bindDeserializer(pd)
	defer unbind()
	err := c.Unmarshal(data, v)
	return pd, err
}

// Connect reserves a port number for a handle being encoded and registers cb
// to run after the message went out. abort is called instead when the
// message is never sent because encoding failed.
func Connect(cb ConnectCallback, abort func()) (uint32, error) {
	ps := active.serializer()
	if ps == nil {
		return 0, ErrNotActive
	}
	pn, err := ps.allocator.TryAllocate()
	if err != nil {
		return 0, err
	}
	ps.mu.Lock()
	ps.entries = append(ps.entries, connectEntry{port: pn, cb: cb, abort: abort})
	ps.mu.Unlock()
	return pn.Number(), nil
}

// Accept registers cb for the port request the remote sender will issue for
// remotePort. It never blocks.
func Accept(remotePort uint32, cb AcceptCallback) error {
	pd := active.deserializer()
	if pd == nil {
		return ErrNotActive
	}
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if _, ok := pd.entries[remotePort]; ok {
		return errors.New("port announced twice in one message")
	}
	pn, err := pd.allocator.TryAllocate()
	if err != nil {
		return err
	}
	pd.entries[remotePort] = acceptEntry{port: pn, cb: cb}
	return nil
}

// EncodingCodec is the codec of the message being encoded, or nil.
func EncodingCodec() codec.Codec {
	if ps := active.serializer(); ps != nil {
		return ps.codec
	}
	return nil
}

// DecodingCodec is the codec of the message being decoded, or nil.
func DecodingCodec() codec.Codec {
	if pd := active.deserializer(); pd != nil {
		return pd.codec
	}
	return nil
}

func (ps *PortSerializer) abort() {
	for _, e := range ps.entries {
		e.port.Release()
		if e.abort != nil {
			e.abort()
		}
	}
}

func (ps *PortSerializer) fail(err error) {
	for _, e := range ps.entries {
		e.port.Release()
		go e.cb(func(context.Context) (*chmux.Sender, *chmux.Receiver, error) {
			return nil, nil, &chmux.ConnectError{Err: err}
		})
	}
}

// commit requests all registered ports in band and starts the callbacks.
func (ps *PortSerializer) commit(raw *chmux.Sender) error {
	if len(ps.entries) == 0 {
		return nil
	}
	ports := make([]*chmux.PortNumber, len(ps.entries))
	for i, e := range ps.entries {
		ports[i] = e.port
	}
	pending, err := raw.OpenPorts(ports)
	if err != nil {
		ps.fail(err)
		return err
	}
	for i, e := range ps.entries {
		go e.cb(pending[i].Wait)
	}
	return nil
}

func (pd *PortDeserializer) release() {
	for _, e := range pd.entries {
		e.port.Release()
	}
}
