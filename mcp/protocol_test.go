package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		notification bool
		response     bool
	}{
		{
			name:     "response with string id",
			raw:      `{"jsonrpc":"2.0","id":"init-1","result":{}}`,
			response: true,
		},
		{
			name:         "notification without id",
			raw:          `{"jsonrpc":"2.0","method":"notifications/initialized","params":{}}`,
			notification: true,
		},
		{
			name:     "error response",
			raw:      `{"jsonrpc":"2.0","id":"req-2","error":{"code":-32601,"message":"method not found"}}`,
			response: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := msg.IsNotification(); got != tt.notification {
				t.Fatalf("IsNotification() = %v, want %v", got, tt.notification)
			}
			if got := msg.IsResponse(); got != tt.response {
				t.Fatalf("IsResponse() = %v, want %v", got, tt.response)
			}
		})
	}
}

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "method not found"}
	want := "mcp: rpc error -32601: method not found"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRequestErrorUnwrap(t *testing.T) {
	reqErr := &RequestError{Method: MethodToolsCall, Err: ErrTimeout}
	if !errors.Is(reqErr, ErrTimeout) {
		t.Fatal("errors.Is(reqErr, ErrTimeout) = false, want true")
	}
}

func TestRequestMarshalOmitsEmptyID(t *testing.T) {
	msg := Message{JSONRPC: "2.0", Method: NotificationInitialized, Params: json.RawMessage(`{}`)}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, hasID := decoded["id"]; hasID {
		t.Fatalf("notification payload carries an id: %s", data)
	}
}
