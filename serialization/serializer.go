// Package serialization provides the pluggable payload codec used by the
// chanmq adapter. The adapter treats the serializer as an opaque
// encode/decode pair; JSON is the default.
package serialization

import (
	"encoding/json"
	"fmt"
)

// Serializer encodes outbound payloads and decodes inbound bodies.
type Serializer interface {
	// Marshal encodes a payload for publishing.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes a message body into v.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type stamped on published messages.
	ContentType() string
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// NewJSONSerializer creates a JSON serializer.
func NewJSONSerializer() JSONSerializer {
	return JSONSerializer{}
}

// Marshal implements Serializer.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// ContentType implements Serializer.
func (JSONSerializer) ContentType() string {
	return "application/json"
}
