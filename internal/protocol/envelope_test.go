package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentloom/pkg/schema"
)

func TestEncodeRequest(t *testing.T) {
	line, err := encodeRequest("abc", Request{Op: "read_file", Args: map[string]any{"path": "/tmp/x"}})
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(line, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "abc", decoded["id"])
	assert.Equal(t, "read_file", decoded["op"])
	assert.Equal(t, map[string]any{"path": "/tmp/x"}, decoded["args"])

	_, err = encodeRequest("abc", Request{Op: "bad", Args: map[string]any{"ch": make(chan int)}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		kind     messageKind
		protoErr bool
	}{
		{name: "success response", line: `{"id":"1","ok":true,"data":{"a":1}}`, kind: kindResponse},
		{name: "failure response", line: `{"id":"1","ok":false,"error":"nope"}`, kind: kindResponse},
		{name: "notification", line: `{"type":"progress","pct":50}`, kind: kindNotification},
		{name: "empty object is a notification", line: `{}`, kind: kindNotification},
		{name: "missing ok", line: `{"id":"1","data":1}`, kind: kindInvalidResponse},
		{name: "non-bool ok", line: `{"id":"1","ok":"yes"}`, kind: kindInvalidResponse},
		{name: "not json", line: `hello`, protoErr: true},
		{name: "array", line: `[1,2]`, protoErr: true},
		{name: "null", line: `null`, protoErr: true},
		{name: "string", line: `"text"`, protoErr: true},
		{name: "null id is a notification", line: `{"id":null,"type":"progress"}`, kind: kindNotification},
		{name: "empty id is a notification", line: `{"id":"","type":"progress"}`, kind: kindNotification},
		{name: "numeric id", line: `{"id":7,"ok":true}`, kind: kindInvalidID},
		{name: "object id", line: `{"id":{"n":1},"ok":true}`, kind: kindInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeLine([]byte(tt.line))
			if tt.protoErr {
				require.Error(t, err)
				assert.True(t, schema.IsCode(err, schema.ErrCodeProtocol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.kind)
			if tt.kind == kindInvalidID {
				assert.True(t, schema.IsCode(msg.err, schema.ErrCodeProtocol))
			}
		})
	}
}

func TestDecodeLine_ResponseFields(t *testing.T) {
	msg, err := decodeLine([]byte(`{"id":"r1","ok":false,"error":"disk full"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.response.ID)
	assert.False(t, msg.response.OK)
	assert.Equal(t, "disk full", msg.response.Error)

	msg, err = decodeLine([]byte(`{"id":"r2","ok":false,"error":{"code":42}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"code":42}`, msg.response.Error)

	msg, err = decodeLine([]byte(`{"id":"r3","data":1}`))
	require.NoError(t, err)
	assert.Equal(t, "r3", msg.response.ID)
	assert.True(t, schema.IsCode(msg.err, schema.ErrCodeProtocol))
}

func TestDecodeLine_NotificationKeepsRaw(t *testing.T) {
	line := `{"type":"log","message":"hello"}`
	msg, err := decodeLine([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, "log", msg.notification.Payload["type"])
	assert.JSONEq(t, line, string(msg.notification.Raw))
}

func TestDecode(t *testing.T) {
	type result struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}

	out, err := Decode[result](&Response{ID: "1", OK: true, Data: json.RawMessage(`{"count":3,"name":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, result{Count: 3, Name: "x"}, out)

	out, err = Decode[result](&Response{ID: "1", OK: true, Data: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Zero(t, out)

	out, err = Decode[result](&Response{ID: "1", OK: true})
	require.NoError(t, err)
	assert.Zero(t, out)

	_, err = Decode[result](&Response{ID: "1", OK: true, Data: json.RawMessage(`"text"`)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeProtocol))
}

func TestReadLines(t *testing.T) {
	input := "first\r\n\nsecond\n" + strings.Repeat("x", 100) + "\nthird"
	var lines []string
	var tooLong []int

	err := readLines(strings.NewReader(input), 32,
		func(line []byte) { lines = append(lines, string(line)) },
		func(size int) { tooLong = append(tooLong, size) },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "", "second", "third"}, lines)
	assert.Equal(t, []int{101}, tooLong)
}

func TestReadLines_LongLineAcrossBuffer(t *testing.T) {
	long := strings.Repeat("y", 100<<10)
	var lines []string
	err := readLines(strings.NewReader(long+"\nshort\n"), 200<<10,
		func(line []byte) { lines = append(lines, string(line)) },
		func(int) { t.Fatal("line within limit reported as too long") },
	)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, long, lines[0])
	assert.Equal(t, "short", lines[1])
}
