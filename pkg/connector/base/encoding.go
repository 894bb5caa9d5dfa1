// Package base holds the pieces every file adapter shares: the encoding
// fallback loop and the row-to-batch iterator.
package base

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/countyops/assessorsync/pkg/errors"
)

// SampleSize is the prefix inspected when choosing an encoding.
const SampleSize = 64 << 10

// Encoding names as recorded in batch metadata.
const (
	EncodingUTF8     = "utf-8"
	EncodingLatin1   = "latin-1"
	EncodingCP1252   = "cp1252"
	EncodingISO88591 = "iso-8859-1"
)

// DefaultEncodings is the fallback order used when none is configured.
var DefaultEncodings = []string{EncodingUTF8, EncodingLatin1, EncodingCP1252, EncodingISO88591}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CanonicalEncoding normalizes the spellings operators use for an encoding.
func CanonicalEncoding(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "-")
	switch n {
	case "utf8", "utf-8":
		return EncodingUTF8
	case "latin1", "latin-1", "l1":
		return EncodingLatin1
	case "cp1252", "cp-1252", "windows-1252", "windows1252":
		return EncodingCP1252
	case "iso-8859-1", "iso8859-1", "iso88591":
		return EncodingISO88591
	default:
		return n
	}
}

// DecodeReader picks the first encoding in order that decodes a sampled
// prefix of r and returns a UTF-8 reader over the whole input together with
// the chosen encoding name.
//
// Latin-1 is the strict single-byte reading: it refuses input containing
// C1 control bytes (0x80-0x9F), which in practice means the file is CP1252.
// ISO-8859-1 accepts any byte and so terminates the loop.
func DecodeReader(r io.Reader, order []string) (io.Reader, string, error) {
	if len(order) == 0 {
		order = DefaultEncodings
	}

	br := bufio.NewReaderSize(r, SampleSize)
	sample, err := br.Peek(SampleSize)
	atEOF := err == io.EOF
	if err != nil && !atEOF && err != bufio.ErrBufferFull {
		return nil, "", errors.Wrap(err, errors.KindSourceUnavailable, "failed to read source")
	}

	for _, raw := range order {
		name := CanonicalEncoding(raw)
		switch name {
		case EncodingUTF8:
			if !utf8.Valid(trimPartialRune(sample, atEOF)) {
				continue
			}
			if bytes.HasPrefix(sample, utf8BOM) {
				_, _ = br.Discard(len(utf8BOM))
			}
			return br, name, nil
		case EncodingLatin1:
			if hasAny(sample, func(b byte) bool { return b >= 0x80 && b <= 0x9F }) {
				continue
			}
			return decoded(br, charmap.ISO8859_1), name, nil
		case EncodingCP1252:
			if hasAny(sample, undefinedInCP1252) {
				continue
			}
			return decoded(br, charmap.Windows1252), name, nil
		case EncodingISO88591:
			return decoded(br, charmap.ISO8859_1), name, nil
		default:
			enc, lookupErr := ianaindex.IANA.Encoding(name)
			if lookupErr != nil || enc == nil {
				return nil, "", errors.Newf(errors.KindConfig, "unknown encoding %q", raw)
			}
			return decoded(br, enc), name, nil
		}
	}
	return nil, "", errors.Newf(errors.KindMalformedInput,
		"input does not decode with any of %s", strings.Join(order, ", "))
}

func decoded(r io.Reader, enc encoding.Encoding) io.Reader {
	return transform.NewReader(r, enc.NewDecoder())
}

func undefinedInCP1252(b byte) bool {
	switch b {
	case 0x81, 0x8D, 0x8F, 0x90, 0x9D:
		return true
	}
	return false
}

func hasAny(p []byte, pred func(byte) bool) bool {
	for _, b := range p {
		if pred(b) {
			return true
		}
	}
	return false
}

// trimPartialRune drops a multi-byte sequence cut off by the sample window.
func trimPartialRune(p []byte, atEOF bool) []byte {
	if atEOF || len(p) == 0 {
		return p
	}
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i]
			}
			break
		}
	}
	return p
}

// CharsetReader returns an xml.Decoder CharsetReader. When the input was
// already transcoded by DecodeReader (chosen is not UTF-8) the declared
// charset is ignored.
func CharsetReader(chosen string) func(label string, input io.Reader) (io.Reader, error) {
	return func(label string, input io.Reader) (io.Reader, error) {
		if chosen != EncodingUTF8 {
			return input, nil
		}
		if CanonicalEncoding(label) == EncodingUTF8 {
			return input, nil
		}
		enc, err := ianaindex.IANA.Encoding(label)
		if err != nil || enc == nil {
			return nil, errors.Newf(errors.KindMalformedInput, "unsupported XML encoding %q", label)
		}
		return decoded(input, enc), nil
	}
}
