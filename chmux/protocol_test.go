package chmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessagePacking(t *testing.T) {
	cases := []message{
		{Type: MessageHello, Version: protocolVersion},
		{Type: MessageOpen, Port: 7, Window: 1024},
		{Type: MessageOpenVia, Port: 3, Opens: []openEntry{{Port: 1, Window: 2}, {Port: 9, Window: 4096}}},
		{Type: MessageAccepted, Port: 1, ServerPort: 2, Window: 3},
		{Type: MessageRejected, Port: 5, Reason: RejectBacklog},
		{Type: MessageData, Port: 11, Flags: dataFlagFirst, Payload: []byte("abc")},
		{Type: MessageCredits, Port: 12, Amount: 99},
		{Type: MessageSendFinish, Port: 13},
		{Type: MessageReceiveClose, Port: 14},
	}
	for _, c := range cases {
		c := c
		t.Run(c.Type.String(), func(t *testing.T) {
			var got message
			require.NoError(t, got.Unpack(c.Pack()))
			require.Equal(t, c, got)
		})
	}
}

func TestUnpackRejectsMalformed(t *testing.T) {
	var m message
	require.Error(t, m.Unpack(nil))
	require.Error(t, m.Unpack([]byte{byte(MessageData), 0, 0}))
	require.Error(t, m.Unpack([]byte{0xff}))
	require.Error(t, m.Unpack([]byte{byte(MessageOpenVia), 0, 0, 0, 1, 0, 2, 0, 0}))
}

func TestDataHeaderLength(t *testing.T) {
	b := (&message{Type: MessageData, Port: 1, Payload: make([]byte, 10)}).Pack()
	require.Len(t, b, dataHeaderLength+10)
}
