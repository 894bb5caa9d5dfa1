// Package json wraps goccy/go-json with pooled buffers and a streaming array
// encoder used by the exporters and the metadata tables.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal encodes v. Map keys are sorted, so equal values always encode to
// equal bytes.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalString is Marshal returning a string, for *_json columns.
func MarshalString(v interface{}) (string, error) {
	b, err := gojson.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// UnmarshalString decodes a *_json column. An empty string leaves v as is.
func UnmarshalString(data string, v interface{}) error {
	if data == "" {
		return nil
	}
	return gojson.Unmarshal([]byte(data), v)
}

// MarshalIndent is gojson.MarshalIndent.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// NewDecoder returns a decoder that keeps numbers as json.Number.
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// Number is a JSON number literal.
type Number = gojson.Number

// RawMessage is an encoded JSON value passed through unchanged.
type RawMessage = gojson.RawMessage

// StreamingEncoder writes a JSON array one element at a time.
type StreamingEncoder struct {
	writer      io.Writer
	encoder     *gojson.Encoder
	firstRecord bool
	closed      bool
}

// NewStreamingEncoder writes the opening bracket and returns the encoder.
func NewStreamingEncoder(w io.Writer) (*StreamingEncoder, error) {
	if _, err := w.Write([]byte{'['}); err != nil {
		return nil, err
	}
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &StreamingEncoder{writer: w, encoder: enc, firstRecord: true}, nil
}

// Encode appends v to the array.
func (se *StreamingEncoder) Encode(v interface{}) error {
	if !se.firstRecord {
		if _, err := se.writer.Write([]byte{','}); err != nil {
			return err
		}
	}
	se.firstRecord = false
	return se.encoder.Encode(v)
}

// Close writes the closing bracket.
func (se *StreamingEncoder) Close() error {
	if se.closed {
		return nil
	}
	se.closed = true
	_, err := se.writer.Write([]byte{']', '\n'})
	return err
}
