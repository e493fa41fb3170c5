package protocol

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"

	"github.com/rendis/agentloom/pkg/schema"
)

// Request is one call to the worker. A zero Timeout uses the client default.
type Request struct {
	Op      string         `json:"op" yaml:"op"`
	Args    map[string]any `json:"args,omitempty" yaml:"args"`
	Timeout time.Duration  `json:"-" yaml:"timeout"`
}

// wireRequest is the line written to the worker's stdin.
type wireRequest struct {
	ID   string         `json:"id"`
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// Response is a reply line matched to a request by correlation id.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Notification is any line whose id is absent, null or empty. Raw holds the
// line as received.
type Notification struct {
	Payload map[string]any
	Raw     json.RawMessage
}

type messageKind int

const (
	kindNotification messageKind = iota
	kindResponse
	kindInvalidResponse // id present, ok missing or not a bool
	kindInvalidID       // id is neither a string nor null
)

type message struct {
	kind         messageKind
	response     *Response
	notification *Notification
	err          error // kindInvalidResponse, kindInvalidID
}

func encodeRequest(id string, req Request) ([]byte, error) {
	line, err := json.Marshal(wireRequest{ID: id, Op: req.Op, Args: req.Args})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode request %q: %v", req.Op, err).WithCause(err)
	}
	return append(line, '\n'), nil
}

// decodeLine classifies one inbound line. A returned error means the line is
// not a JSON object.
func decodeLine(line []byte) (message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return message{}, schema.NewErrorf(schema.ErrCodeProtocol, "malformed line: %v", err).
			WithCause(err).
			WithDetails(map[string]any{"line": truncate(line)})
	}
	if fields == nil {
		return message{}, schema.NewError(schema.ErrCodeProtocol, "line is not a JSON object").
			WithDetails(map[string]any{"line": truncate(line)})
	}

	var id string
	if rawID, hasID := fields["id"]; hasID {
		var v any
		if err := json.Unmarshal(rawID, &v); err != nil {
			return message{}, schema.NewErrorf(schema.ErrCodeProtocol, "malformed id: %v", err).WithCause(err)
		}
		switch v := v.(type) {
		case nil:
		case string:
			id = v
		default:
			return message{
				kind: kindInvalidID,
				err: schema.NewErrorf(schema.ErrCodeProtocol, "response id must be a string, got %s", rawID).
					WithDetails(map[string]any{"line": truncate(line)}),
			}, nil
		}
	}
	if id == "" {
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			return message{}, schema.NewErrorf(schema.ErrCodeProtocol, "malformed notification: %v", err).WithCause(err)
		}
		return message{kind: kindNotification, notification: &Notification{Payload: payload, Raw: json.RawMessage(line)}}, nil
	}

	resp := &Response{ID: id, Data: fields["data"]}
	rawOK, hasOK := fields["ok"]
	if !hasOK || json.Unmarshal(rawOK, &resp.OK) != nil {
		return message{
			kind:     kindInvalidResponse,
			response: resp,
			err: schema.NewErrorf(schema.ErrCodeProtocol, "response %s: \"ok\" must be a boolean", id).
				WithDetails(map[string]any{"id": id}),
		}, nil
	}
	if rawErr, ok := fields["error"]; ok {
		if json.Unmarshal(rawErr, &resp.Error) != nil {
			resp.Error = string(rawErr)
		}
	}
	return message{kind: kindResponse, response: resp}, nil
}

// Decode unmarshals the response data into T. Absent or null data yields the
// zero value.
func Decode[T any](resp *Response) (T, error) {
	var out T
	if resp == nil || len(resp.Data) == 0 || bytes.Equal(resp.Data, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, schema.NewErrorf(schema.ErrCodeProtocol, "decode response %s data: %v", resp.ID, err).WithCause(err)
	}
	return out, nil
}

func truncate(line []byte) string {
	const limit = 256
	if len(line) <= limit {
		return string(line)
	}
	return string(line[:limit]) + "..."
}
