package rch

import (
	"encoding/json"

	"github.com/zllovesuki/chanmux/codec"

	cbor "github.com/fxamacker/cbor/v2"
)

// Transported is the wire form of a channel handle. Codec and Buffer tell
// the receiving side how to set up the matching local half.
type Transported struct {
	Port   uint32 `json:"port" cbor:"port"`
	Closed bool   `json:"closed,omitempty" cbor:"closed,omitempty"`
	Codec  string `json:"codec,omitempty" cbor:"codec,omitempty"`
	Buffer int    `json:"buffer,omitempty" cbor:"buffer,omitempty"`
}

func (t Transported) EncodeJSON() ([]byte, error) {
	return json.Marshal(t)
}

func (t Transported) EncodeCBOR() ([]byte, error) {
	return cbor.Marshal(t)
}

func DecodeJSON(b []byte) (Transported, error) {
	var t Transported
	err := json.Unmarshal(b, &t)
	return t, err
}

func DecodeCBOR(b []byte) (Transported, error) {
	var t Transported
	err := cbor.Unmarshal(b, &t)
	return t, err
}

// ChannelCodec is the codec named by the sending side if this process knows
// it, otherwise decoding, otherwise codec.Default.
func (t Transported) ChannelCodec(decoding codec.Codec) codec.Codec {
	if t.Codec != "" {
		if c := codec.Lookup(t.Codec); c != nil {
			return c
		}
	}
	if decoding != nil {
		return decoding
	}
	return codec.Default
}

// BufferOr returns the buffer hint, or def when none was sent.
func (t Transported) BufferOr(def int) int {
	if t.Buffer > 0 {
		return t.Buffer
	}
	return def
}
