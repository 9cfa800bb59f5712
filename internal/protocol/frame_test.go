package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies a message survives the wire intact.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)

	msg := &Message{
		Type: TypeExecute,
		ID:   42,
		Execute: &ExecuteRequest{
			FilePath: "/site/echo.mjs",
			Version:  "1700000000000:128",
			Method:   "POST",
			URL:      "/echo?x=1",
			Headers:  map[string][]string{"Content-Type": {"text/plain"}},
			Body:     []byte("hello"),
			IP:       "127.0.0.1",
		},
	}
	require.NoError(t, writer.WriteMessage(msg))

	got, err := NewFrameReader(&buf).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

// TestFrameSequence verifies several frames decode in order.
func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, writer.WriteMessage(&Message{Type: TypeInspect, ID: id, Inspect: &InspectRequest{FilePath: "a.mjs", Version: "1:1"}}))
	}

	reader := NewFrameReader(&buf)
	for id := uint64(1); id <= 3; id++ {
		msg, err := reader.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, id, msg.ID)
	}
	_, err := reader.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

// TestFrameChecksumMismatch verifies payload corruption is detected.
func TestFrameChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	require.NoError(t, writer.WriteMessage(&Message{Type: TypeMemorySample, MemorySample: &MemorySample{HeapUsed: 1}}))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a payload byte

	_, err := NewFrameReader(bytes.NewReader(raw)).ReadMessage()
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestFrameTruncated verifies a frame cut mid-payload is an unexpected EOF.
func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	require.NoError(t, writer.WriteMessage(&Message{Type: TypeMemorySample, MemorySample: &MemorySample{HeapUsed: 1}}))

	raw := buf.Bytes()[:buf.Len()-4]
	_, err := NewFrameReader(bytes.NewReader(raw)).ReadMessage()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

// TestFrameCleanEOF verifies an empty stream reads as io.EOF.
func TestFrameCleanEOF(t *testing.T) {
	_, err := NewFrameReader(bytes.NewReader(nil)).ReadMessage()
	assert.Equal(t, io.EOF, err)
}
