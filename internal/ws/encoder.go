package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
)

// typeURLPrefix prefixes the message kind in anypb.Any type URLs.
const typeURLPrefix = "fieldsync."

// Encoder converts messages to wire format. The binary form is an anypb.Any
// whose value is a Zstd-compressed structpb.Struct of the JSON message.
type Encoder struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewEncoder creates a new Encoder with Zstd compression.
func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Encoder{zstdEncoder: enc, zstdDecoder: dec}, nil
}

// EncodeJSON returns the text frame for msg.
func (e *Encoder) EncodeJSON(msg *fsync.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message json: %w", err)
	}
	return data, nil
}

// EncodeProtobuf returns the binary frame for msg.
func (e *Encoder) EncodeProtobuf(msg *fsync.Message) ([]byte, error) {
	jsonData, err := e.EncodeJSON(msg)
	if err != nil {
		return nil, err
	}
	return e.wrap(string(msg.Type), jsonData)
}

// wrap packs a JSON object into Any{type_url, zstd(Struct)}.
func (e *Encoder) wrap(kind string, jsonData []byte) ([]byte, error) {
	// 1. JSON object -> Struct
	var st structpb.Struct
	if err := protojson.Unmarshal(jsonData, &st); err != nil {
		return nil, fmt.Errorf("convert to struct: %w", err)
	}

	// 2. Serialize to protobuf bytes
	pbData, err := proto.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}

	// 3. Compress and wrap with the message kind as type URL
	anyMsg := &anypb.Any{
		TypeUrl: typeURLPrefix + kind,
		Value:   e.zstdEncoder.EncodeAll(pbData, nil),
	}
	data, err := proto.Marshal(anyMsg)
	if err != nil {
		return nil, fmt.Errorf("marshal any: %w", err)
	}
	return data, nil
}

// Decode unpacks a binary frame into its kind and fields.
func (e *Encoder) Decode(data []byte) (string, map[string]any, error) {
	var anyMsg anypb.Any
	if err := proto.Unmarshal(data, &anyMsg); err != nil {
		return "", nil, fmt.Errorf("unmarshal any: %w", err)
	}
	kind, ok := strings.CutPrefix(anyMsg.GetTypeUrl(), typeURLPrefix)
	if !ok {
		return "", nil, fmt.Errorf("unexpected type url: %q", anyMsg.GetTypeUrl())
	}

	pbData, err := e.zstdDecoder.DecodeAll(anyMsg.GetValue(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("decompress payload: %w", err)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(pbData, &st); err != nil {
		return "", nil, fmt.Errorf("unmarshal struct: %w", err)
	}
	return kind, st.AsMap(), nil
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
	if e.zstdDecoder != nil {
		e.zstdDecoder.Close()
	}
}
