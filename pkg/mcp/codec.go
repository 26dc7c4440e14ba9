package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ErrEmptyMessage is returned when decoding an empty payload.
var ErrEmptyMessage = errors.New("empty message")

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the message content.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message with the
// current timestamp. The raw bytes are copied.
func WrapMessage(raw []byte) (*Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       append([]byte(nil), raw...),
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// WrapBatch decodes a payload that is either a single JSON-RPC message or a
// JSON array of messages.
func WrapBatch(raw []byte) ([]*Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	if raw[0] != '[' {
		msg, err := WrapMessage(raw)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyMessage
	}
	msgs := make([]*Message, 0, len(items))
	for i, item := range items {
		msg, err := WrapMessage(item)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// stderrParams is the params object of a notifications/stderr message.
type stderrParams struct {
	Content string `json:"content"`
}

// NewStderrNotification wraps a chunk of subprocess stderr output into a
// notifications/stderr message. Stderr bytes are not JSON-RPC, so they are
// carried as text in params.content.
func NewStderrNotification(chunk []byte) (*Message, error) {
	params, err := json.Marshal(stderrParams{Content: string(chunk)})
	if err != nil {
		return nil, err
	}
	req := &jsonrpc.Request{
		Method: MethodStderrNotification,
		Params: params,
	}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, err
	}
	return &Message{
		Raw:       raw,
		Direction: BackendToClient,
		Decoded:   req,
		Timestamp: time.Now(),
	}, nil
}

// jsonRPCErrorResponse is a JSON-RPC 2.0 error response.
type jsonRPCErrorResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewErrorResponse builds a JSON-RPC error response for the given raw id.
// A nil id is encoded as null.
func NewErrorResponse(id json.RawMessage, code int, message string) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	b, _ := json.Marshal(jsonRPCErrorResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   jsonRPCErrorField{Code: code, Message: message},
	})
	return b
}
