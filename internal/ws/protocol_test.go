package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpstreamMessageJSON(t *testing.T) {
	t.Run("submit with ack", func(t *testing.T) {
		msg, err := parseUpstreamMessageJSON([]byte(`{"type":"submit","fields":[-71.1,42.3,"yes"],"ackId":5}`))
		require.NoError(t, err)

		req, ok := msg.(*submitRequest)
		require.True(t, ok)
		assert.Equal(t, []any{-71.1, 42.3, "yes"}, req.fields)
		require.NotNil(t, req.ackID)
		assert.Equal(t, uint64(5), *req.ackID)
	})

	t.Run("submit without ack", func(t *testing.T) {
		msg, err := parseUpstreamMessageJSON([]byte(`{"type":"submit","fields":["a"]}`))
		require.NoError(t, err)
		assert.Nil(t, msg.(*submitRequest).ackID)
	})

	t.Run("request rows", func(t *testing.T) {
		msg, err := parseUpstreamMessageJSON([]byte(`{"type":"requestRows","indices":[0,4,2]}`))
		require.NoError(t, err)
		assert.Equal(t, []int{0, 4, 2}, msg.(*requestRowsRequest).indices)
	})

	t.Run("ping", func(t *testing.T) {
		msg, err := parseUpstreamMessageJSON([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		assert.IsType(t, &pingRequest{}, msg)
	})

	errorCases := map[string]string{
		"not json":          `{`,
		"unknown type":      `{"type":"joinGroup"}`,
		"fields not array":  `{"type":"submit","fields":"x"}`,
		"nested field":      `{"type":"submit","fields":[{"a":1}]}`,
		"fractional index":  `{"type":"requestRows","indices":[1.5]}`,
		"string index":      `{"type":"requestRows","indices":["1"]}`,
		"indices not array": `{"type":"requestRows","indices":3}`,
	}
	for name, input := range errorCases {
		t.Run(name, func(t *testing.T) {
			_, err := parseUpstreamMessageJSON([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestParseUpstreamMessage_Protobuf(t *testing.T) {
	enc, err := NewEncoder()
	require.NoError(t, err)
	defer enc.Close()

	frame, err := enc.wrap("requestRows", []byte(`{"indices":[1,2]}`))
	require.NoError(t, err)

	msg, err := parseUpstreamMessage(enc, frame)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, msg.(*requestRowsRequest).indices)
}

func TestNegotiateProtocol(t *testing.T) {
	tests := []struct {
		requested    []string
		wantProtocol string
		wantHeader   string
	}{
		{nil, protocolJSON, ""},
		{[]string{"graphql-ws"}, protocolJSON, ""},
		{[]string{subprotocolProtobuf}, protocolProtobuf, subprotocolProtobuf},
		{[]string{"other", subprotocolJSON, subprotocolProtobuf}, protocolJSON, subprotocolJSON},
	}

	for _, tt := range tests {
		protocol, header := negotiateProtocol(tt.requested)
		assert.Equal(t, tt.wantProtocol, protocol, tt.requested)
		assert.Equal(t, tt.wantHeader, header, tt.requested)
	}
}
