package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/fieldsync/internal/data"
	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
)

func TestEncoder_ProtobufRoundTrip(t *testing.T) {
	enc, err := NewEncoder()
	require.NoError(t, err)
	defer enc.Close()

	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &fsync.Message{
		Type:     fsync.MessageChangedRows,
		Sequence: 42,
		Updated:  &updated,
		Rows: map[int]data.Record{
			3: data.NewRecord([]string{"Longitude", "Latitude", "Notes"}, []any{-71.1, 42.3, "curb cut"}),
		},
	}

	frame, err := enc.EncodeProtobuf(msg)
	require.NoError(t, err)

	kind, fields, err := enc.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, "changed-rows", kind)
	assert.Equal(t, "changed-rows", fields["type"])
	assert.Equal(t, float64(42), fields["sequence"])

	rows, ok := fields["rows"].(map[string]any)
	require.True(t, ok)
	row, ok := rows["3"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, -71.1, row["Longitude"])
	assert.Equal(t, "curb cut", row["Notes"])
}

func TestEncoder_DecodeRejectsForeignTypeURL(t *testing.T) {
	enc, err := NewEncoder()
	require.NoError(t, err)
	defer enc.Close()

	frame, err := enc.wrap("submit", []byte(`{"fields":[1]}`))
	require.NoError(t, err)
	kind, _, err := enc.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "submit", kind)

	_, _, err = enc.Decode([]byte("not protobuf at all"))
	assert.Error(t, err)
}
