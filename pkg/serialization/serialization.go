// Package serialization selects how agent store payloads are encoded on the
// wire.
package serialization

const (
	// JSONType selects JSON encoding for store payloads.
	JSONType = "json"

	// GobType selects gob encoding, the default.
	GobType = "gob"
)

// Decoder reads one encoded value into v.
type Decoder interface {
	Decode(v any) error
}

// Encoder writes v in the configured encoding.
type Encoder interface {
	Encode(v any) error
}
