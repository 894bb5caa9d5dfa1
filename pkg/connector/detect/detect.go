// Package detect picks a source adapter for a file: by extension, then magic
// bytes, then content heuristics on a sampled prefix.
package detect

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/sources/textexport"
	"github.com/countyops/assessorsync/pkg/errors"
)

// SampleBytes is how much of a file detection reads.
const SampleBytes = 8 << 10

const maxSampleLines = 20

var extensions = map[string]core.Format{
	".csv":     core.FormatCSV,
	".tsv":     core.FormatCSV,
	".psv":     core.FormatCSV,
	".xlsx":    core.FormatExcel,
	".xlsm":    core.FormatExcel,
	".xml":     core.FormatXML,
	".db":      core.FormatSQL,
	".sqlite":  core.FormatSQL,
	".sqlite3": core.FormatSQL,
	".lvy":     core.FormatTextExport,
	".prn":     core.FormatTextExport,
}

var (
	magicZip    = []byte("PK\x03\x04")
	magicSQLite = []byte("SQLite format 3\x00")
	magicXML    = []byte("<?xml")
	utf8BOM     = []byte{0xEF, 0xBB, 0xBF}
)

// FromExtension maps a file name to a format. ".txt" and unknown extensions
// are left to content detection.
func FromExtension(path string) (core.Format, bool) {
	f, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return f, ok
}

// FromMagic recognizes workbooks, SQLite databases and XML documents.
func FromMagic(sample []byte) (core.Format, bool) {
	switch {
	case bytes.HasPrefix(sample, magicZip):
		return core.FormatExcel, true
	case bytes.HasPrefix(sample, magicSQLite):
		return core.FormatSQL, true
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(sample, utf8BOM), " \t\r\n")
	if bytes.HasPrefix(trimmed, magicXML) {
		return core.FormatXML, true
	}
	if len(trimmed) > 1 && trimmed[0] == '<' && (isLetter(trimmed[1]) || trimmed[1] == '!') {
		return core.FormatXML, true
	}
	return "", false
}

// FromContent applies line heuristics: a prefix where most lines fit the
// levy export patterns is a text export; a consistent delimiter count means
// delimited text.
func FromContent(sample []byte) (core.Format, bool) {
	lines := SampleLines(sample, len(sample) >= SampleBytes)
	if len(lines) == 0 {
		return "", false
	}

	p := textexport.DefaultPatterns()
	records, known := 0, 0
	for _, line := range lines {
		switch p.Classify(line) {
		case textexport.LineRecord:
			records++
			known++
		case textexport.LineHeader, textexport.LineFooter:
			known++
		}
	}
	if records > 0 && known*2 >= len(lines) {
		return core.FormatTextExport, true
	}

	if _, ok := SniffDelimiter(lines); ok {
		return core.FormatCSV, true
	}
	return "", false
}

// Detect resolves the format of a file given its name and leading bytes.
func Detect(path string, sample []byte) (core.Format, error) {
	if f, ok := FromExtension(path); ok {
		return f, nil
	}
	if f, ok := FromMagic(sample); ok {
		return f, nil
	}
	if f, ok := FromContent(sample); ok {
		return f, nil
	}
	return "", errors.Newf(errors.KindUnsupportedFormat, "cannot detect format of %s", filepath.Base(path))
}

// DetectFile reads the head of path and detects its format.
func DetectFile(path string) (core.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, errors.KindSourceUnavailable, "failed to open source")
	}
	defer f.Close()

	buf := make([]byte, SampleBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", errors.Wrap(err, errors.KindSourceUnavailable, "failed to read source")
	}
	return Detect(path, buf[:n])
}

// SampleLines splits a sample into non-blank lines. When truncated is set the
// last line may be cut off and is dropped.
func SampleLines(sample []byte, truncated bool) []string {
	text := string(bytes.TrimPrefix(sample, utf8BOM))
	parts := strings.Split(text, "\n")
	if truncated && len(parts) > 1 {
		parts = parts[:len(parts)-1]
	}
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimRight(p, "\r")
		if strings.TrimSpace(p) == "" {
			continue
		}
		lines = append(lines, p)
		if len(lines) == maxSampleLines {
			break
		}
	}
	return lines
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
