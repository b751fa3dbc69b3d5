// Package codec defines how channel values are turned into messages.
package codec

import "sync"

// Codec marshals values of a channel. Implementations must be safe for
// concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Default is used by channels that were not configured otherwise.
var Default = JSON()

// Registry maps content types to codecs.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON and CBOR.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.byType[c.ContentType()] = c
	r.mu.Unlock()
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[contentType]
}

var defaultRegistry = NewRegistry()

// Register adds c to the process wide registry.
func Register(c Codec) {
	defaultRegistry.Register(c)
}

// Lookup finds a codec in the process wide registry.
func Lookup(contentType string) Codec {
	return defaultRegistry.Get(contentType)
}
