// Package json centralizes the JSON codec used on every wire surface of the
// broker (HTTP bodies, socket frames, AMQP payloads) so the implementation
// can be swapped in one place.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage defers decoding of an opaque payload. Message content travels
// through the router without re-encoding, so client-bound bytes stay intact.
type RawMessage = stdjson.RawMessage

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)

// Valid reports whether data is a syntactically valid JSON encoding.
func Valid(data []byte) bool {
	return JSON.Valid(data)
}
