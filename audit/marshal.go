package audit

import (
	"encoding/json"
	"fmt"
)

// Marshaller renders an audit message into the record handed to the queue.
type Marshaller interface {
	// Marshal converts a message to its wire representation
	Marshal(msg any) (string, error)

	// Name returns the marshaller name (for debugging/logging)
	Name() string
}

// =============================================================================
// JSONMarshaller Implementation
// =============================================================================

// JSONMarshaller renders messages as single-line JSON.
type JSONMarshaller struct{}

// NewJSONMarshaller creates a new JSON marshaller
func NewJSONMarshaller() *JSONMarshaller {
	return &JSONMarshaller{}
}

func (m *JSONMarshaller) Marshal(msg any) (string, error) {
	if msg == nil {
		return "", nil
	}

	// Pre-rendered records pass through unchanged
	switch v := msg.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("json marshal failed: %w", err)
	}
	return string(data), nil
}

func (m *JSONMarshaller) Name() string {
	return "json"
}
