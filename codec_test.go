package alpha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecEvent(t *testing.T) {
	in := &TxEvent{
		Seq:                99,
		GlobalTxID:         "g",
		LocalTxID:          "l",
		ParentTxID:         "p",
		Type:               EventStarted,
		CompensationMethod: "undo",
		Payload:            []byte("hello world"),
		ServiceName:        "svc",
		InstanceID:         "svc-1",
		Timestamp:          time.UnixMilli(1700000000123).UTC(),
	}

	data, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	var out TxEvent
	require.NoError(t, Codec{}.Unmarshal(data, &out))

	want := *in
	want.Seq = 0
	assert.Equal(t, want, out)
}

func TestCodecEventWireLayout(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1500)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "g")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "l")
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, "TxAbortedEvent")
	// Fields this version does not know are skipped.
	b = protowire.AppendTag(b, 42, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = protowire.AppendTag(b, 43, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0, 1, 2})

	var e TxEvent
	require.NoError(t, UnmarshalEvent(b, &e))
	assert.Equal(t, "g", e.GlobalTxID)
	assert.Equal(t, "l", e.LocalTxID)
	assert.Equal(t, EventAborted, e.Type)
	assert.Equal(t, []byte{0, 1, 2}, e.Payload)
	assert.Equal(t, int64(1500), e.Timestamp.UnixMilli())
}

func TestCodecUnknownEventTypeIsMalformed(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "g")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "l")
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, "TxExplodedEvent")

	var e TxEvent
	require.NoError(t, UnmarshalEvent(b, &e))
	assert.Equal(t, EventUnknown, e.Type)
	assert.True(t, IsMalformed(e.Validate()))
}

func TestCodecTruncated(t *testing.T) {
	data := MarshalEvent(started("g", "l", "", "undo", "payload"))

	var e TxEvent
	assert.Error(t, UnmarshalEvent(data[:len(data)-3], &e))

	cmd := MarshalCommand(&testCommand)
	var c Command
	assert.Error(t, UnmarshalCommand(cmd[:len(cmd)-1], &c))
}

func TestCodecCommand(t *testing.T) {
	in := Command{GlobalTxID: "g", LocalTxID: "l", ParentTxID: "p", CompensationMethod: "undo", Payload: []byte("x")}

	data, err := Codec{}.Marshal(&in)
	require.NoError(t, err)

	var out Command
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCodecProtoMessages(t *testing.T) {
	data, err := Codec{}.Marshal(wrapperspb.String("ping"))
	require.NoError(t, err)

	var out wrapperspb.StringValue
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	assert.Equal(t, "ping", out.GetValue())

	_, err = Codec{}.Marshal(struct{}{})
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal(nil, &struct{}{}))
	assert.Equal(t, "proto", Codec{}.Name())
}
