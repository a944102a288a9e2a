// Package codec holds the binary encoding shared by relay frames and
// change-event payloads.
package codec

// Codec turns values into bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dst any) error
}
