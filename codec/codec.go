// Package codec turns wire records into bytes and back.
//
// Codec is the record-level serializer. The wire is textual, so the only
// implementation is JSONCodec. EnvelopeCodec sits on top of it and handles the
// typed side: serializing the request message through the schema namespace,
// tagging it with its type name, and validating every tag on decode. Decode is
// the single validation point for the wire format.
package codec

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}
