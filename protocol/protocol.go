// Package protocol reads and writes packets on a stream connection.
//
// A packet is one JSON object. There is no length prefix: the object's own
// braces delimit it, and a packet ends as soon as its closing brace is read.
// Every packet is capped at a maximum size (MaxPacket by default). The reader
// never pulls more than that many bytes from the connection for a packet and
// reports ErrPacketTooLarge instead of handing back a truncated record.
//
//	client                                  server
//	  │ {"service":..,"method":..,...}  ──►   │
//	  │ ◄──  {"status":"ok",...} | {"status":"error",...}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxPacket is the default ceiling for a single packet, in bytes.
const MaxPacket = 16000

var (
	// ErrPacketTooLarge is returned when a packet exceeds the configured ceiling.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds size limit")
	// ErrMalformed is returned when the stream does not contain a JSON value.
	ErrMalformed = errors.New("protocol: malformed packet")
	// ErrTruncated is returned when the peer closes in the middle of a packet.
	ErrTruncated = errors.New("protocol: connection closed mid-packet")
)

// budgetReader returns io.EOF once n bytes have been read, and remembers that it did.
type budgetReader struct {
	r         io.Reader
	n         int64
	exhausted bool
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.n <= 0 {
		b.exhausted = true
		return 0, io.EOF
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	return n, err
}

// Reader reads consecutive packets from one connection. It is not safe for
// concurrent use; a connection carries one outstanding call at a time.
type Reader struct {
	br  *budgetReader
	dec *json.Decoder
	max int
}

// NewReader creates a Reader enforcing max bytes per packet. max <= 0 means MaxPacket.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = MaxPacket
	}
	br := &budgetReader{r: r}
	return &Reader{br: br, dec: json.NewDecoder(br), max: max}
}

// ReadPacket blocks until a full packet is read.
//
// io.EOF means the peer closed before sending anything. Other errors leave the
// reader unusable and the connection should be closed.
func (r *Reader) ReadPacket() ([]byte, error) {
	r.br.n = int64(r.max)
	r.br.exhausted = false
	start := r.dec.InputOffset()

	var raw json.RawMessage
	if err := r.dec.Decode(&raw); err != nil {
		var syntaxErr *json.SyntaxError
		switch {
		case r.br.exhausted:
			return nil, ErrPacketTooLarge
		case err == io.EOF:
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrTruncated
		case errors.As(err, &syntaxErr):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return nil, err
		}
	}

	if r.dec.InputOffset()-start > int64(r.max) {
		return nil, ErrPacketTooLarge
	}
	return raw, nil
}

// WritePacket writes data as one packet. Packets above max are refused before
// anything is written. max <= 0 means MaxPacket.
func WritePacket(w io.Writer, data []byte, max int) error {
	if max <= 0 {
		max = MaxPacket
	}
	if len(data) > max {
		return fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, len(data), max)
	}
	_, err := w.Write(data)
	return err
}
