package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// WriteStream accumulates a sequence of TLS-presentation-encoded values
// into a single buffer, e.g. when assembling the signed content of a
// message field by field instead of marshaling a whole struct at once.
type WriteStream struct {
	buffer []byte
}

func NewWriteStream() *WriteStream {
	return &WriteStream{buffer: []byte{}}
}

func (w *WriteStream) Data() []byte {
	return w.buffer
}

func (w *WriteStream) Write(val interface{}) error {
	data, err := syntax.Marshal(val)
	if err != nil {
		return fmt.Errorf("mls: write stream: %w: %s", ErrInvalidTLSSyntax, err)
	}
	w.buffer = append(w.buffer, data...)
	return nil
}

func (w *WriteStream) WriteAll(vals ...interface{}) error {
	for _, val := range vals {
		if err := w.Write(val); err != nil {
			return err
		}
	}
	return nil
}

func (w *WriteStream) Append(b []byte) {
	w.buffer = append(w.buffer, b...)
}

// ReadStream consumes TLS-presentation-encoded values off the front of a
// byte slice, tracking how many bytes have been read so far.
type ReadStream struct {
	buffer []byte
	cursor int
}

func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{buffer: data}
}

func (r *ReadStream) Read(val interface{}) (int, error) {
	read, err := syntax.Unmarshal(r.buffer[r.cursor:], val)
	if err != nil {
		return 0, fmt.Errorf("mls: read stream: %w: %s", ErrInvalidTLSSyntax, err)
	}
	r.cursor += read
	return read, nil
}

func (r *ReadStream) ReadAll(vals ...interface{}) (int, error) {
	start := r.cursor
	for _, val := range vals {
		if _, err := r.Read(val); err != nil {
			return 0, err
		}
	}
	return r.cursor - start, nil
}

func (r *ReadStream) Consumed() int {
	return r.cursor
}

func marshalTLS(val interface{}) ([]byte, error) {
	data, err := syntax.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("mls: marshal: %w: %s", ErrInvalidTLSSyntax, err)
	}
	return data, nil
}

func unmarshalTLS(data []byte, val interface{}) (int, error) {
	n, err := syntax.Unmarshal(data, val)
	if err != nil {
		return 0, fmt.Errorf("mls: unmarshal: %w: %s", ErrInvalidTLSSyntax, err)
	}
	return n, nil
}
