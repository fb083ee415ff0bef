package ws

import (
	"encoding/json"
	"fmt"
	"math"

	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
)

// Subprotocols accepted on the upgrade request.
const (
	subprotocolProtobuf = "protobuf.fieldsync.v1"
	subprotocolJSON     = "json.fieldsync.v1"
)

const (
	protocolJSON     = "json"
	protocolProtobuf = "protobuf"
)

// messagePong answers a client ping.
const messagePong fsync.MessageType = "pong"

// Upstream message types for internal routing
type (
	submitRequest struct {
		fields []any
		ackID  *uint64
	}
	requestRowsRequest struct {
		indices []int
	}
	pingRequest struct{}
)

// parseUpstreamMessageJSON parses a JSON-encoded upstream message.
func parseUpstreamMessageJSON(data []byte) (any, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal JSON upstream message: %w", err)
	}
	msgType, _ := msg["type"].(string)
	return upstreamFromMap(msgType, msg)
}

// parseUpstreamMessage parses a binary upstream message. The kind comes from
// the type URL.
func parseUpstreamMessage(enc *Encoder, data []byte) (any, error) {
	kind, fields, err := enc.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode upstream message: %w", err)
	}
	return upstreamFromMap(kind, fields)
}

func upstreamFromMap(msgType string, msg map[string]any) (any, error) {
	switch msgType {
	case "submit":
		fields, ok := msg["fields"].([]any)
		if !ok {
			return nil, fmt.Errorf("submit: fields must be an array")
		}
		for i, f := range fields {
			switch f.(type) {
			case string, float64, bool, nil:
			default:
				return nil, fmt.Errorf("submit: field %d is not a scalar", i)
			}
		}
		var ackID *uint64
		if v, ok := msg["ackId"].(float64); ok && v >= 0 {
			id := uint64(v)
			ackID = &id
		}
		return &submitRequest{fields: fields, ackID: ackID}, nil

	case "requestRows":
		raw, ok := msg["indices"].([]any)
		if !ok {
			return nil, fmt.Errorf("requestRows: indices must be an array")
		}
		indices := make([]int, 0, len(raw))
		for _, r := range raw {
			f, ok := r.(float64)
			if !ok || f != math.Trunc(f) {
				return nil, fmt.Errorf("requestRows: invalid index %v", r)
			}
			indices = append(indices, int(f))
		}
		return &requestRowsRequest{indices: indices}, nil

	case "ping":
		return &pingRequest{}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", msgType)
	}
}

// negotiateProtocol picks the first supported subprotocol the client offered.
// Clients that offer none get JSON.
func negotiateProtocol(requested []string) (string, string) {
	for _, p := range requested {
		switch p {
		case subprotocolProtobuf:
			return protocolProtobuf, p
		case subprotocolJSON:
			return protocolJSON, p
		}
	}
	return protocolJSON, ""
}
