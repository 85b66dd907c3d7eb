package tether

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Codec decodes configuration files and change payloads.
// Implement this interface to use alternative formats like TOML or a
// transport-specific binary encoding.
type Codec interface {
	// Unmarshal deserializes bytes into a value.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type for observability and debugging.
	ContentType() string
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

// Unmarshal deserializes JSON bytes into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ContentType returns the JSON MIME type.
func (JSONCodec) ContentType() string {
	return "application/json"
}

var _ Codec = JSONCodec{}

// YAMLCodec implements Codec using gopkg.in/yaml.v3.
type YAMLCodec struct{}

// Unmarshal deserializes YAML bytes into v.
func (YAMLCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// ContentType returns the YAML MIME type.
func (YAMLCodec) ContentType() string {
	return "application/x-yaml"
}

var _ Codec = YAMLCodec{}

// DecodeChange decodes a change payload published by a backend. A nil codec
// decodes JSON. Record and OldRecord are raw JSON, so YAMLCodec only suits
// payloads without them. The kind is upper-cased so "insert" and "INSERT"
// compare equal in Subscription.Matches.
func DecodeChange(codec Codec, data []byte) (Change, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	var c Change
	if err := codec.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode change (%s): %w", codec.ContentType(), err)
	}
	c.Kind = normalizeKind(c.Kind)
	return c, nil
}

func normalizeKind(k ChangeKind) ChangeKind {
	return ChangeKind(strings.ToUpper(string(k)))
}
