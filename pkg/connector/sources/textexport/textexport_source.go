// Package textexport reads fixed-layout text reports such as the county levy
// export. Lines are classified by header, footer and record patterns; record
// patterns use named groups for columns.
package textexport

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/countyops/assessorsync/pkg/connector/base"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/registry"
	"github.com/countyops/assessorsync/pkg/errors"
)

// Default patterns match the county levy export layout.
const (
	DefaultHeaderPattern = `^\s*(TAX\s+CODE\s+LEVY\s+RATE\s+LEVY\s+AMOUNT\s+ASSESSED\s+VALUE|[-=\s]+)\s*$`
	DefaultFooterPattern = `^\s*(TOTAL|END)\b`
	DefaultRecordPattern = `^\s*(?P<tax_code>[0-9A-Z-]+)\s+(?P<levy_rate>[0-9.]+)\s+(?P<levy_amount>[$0-9,.]+)\s+(?P<assessed_value>[$0-9,.]+)\s*$`
)

const maxLineBytes = 1 << 20

func init() {
	_ = registry.RegisterSource(core.FormatTextExport, NewSource, &registry.AdapterInfo{
		Description: "Line-pattern text exports (levy reports)",
		Extensions:  []string{".lvy", ".prn", ".txt"},
		Options:     []string{core.OptHeaderPattern, core.OptFooterPattern, core.OptRecordPattern},
	})
}

// Patterns holds the compiled line classifiers.
type Patterns struct {
	Header  *regexp.Regexp
	Footer  *regexp.Regexp
	Record  *regexp.Regexp
	columns []string
}

// CompilePatterns compiles the patterns in desc, falling back to the
// defaults. The record pattern must have at least one named group.
func CompilePatterns(desc core.Descriptor) (*Patterns, error) {
	compile := func(key, def string) (*regexp.Regexp, error) {
		re, err := regexp.Compile(desc.Option(key, def))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "invalid "+key)
		}
		return re, nil
	}

	p := &Patterns{}
	var err error
	if p.Header, err = compile(core.OptHeaderPattern, DefaultHeaderPattern); err != nil {
		return nil, err
	}
	if p.Footer, err = compile(core.OptFooterPattern, DefaultFooterPattern); err != nil {
		return nil, err
	}
	if p.Record, err = compile(core.OptRecordPattern, DefaultRecordPattern); err != nil {
		return nil, err
	}
	for _, name := range p.Record.SubexpNames() {
		if name != "" {
			p.columns = append(p.columns, name)
		}
	}
	if len(p.columns) == 0 {
		return nil, errors.New(errors.KindConfig, "record pattern has no named groups")
	}
	return p, nil
}

// DefaultPatterns returns the levy export patterns.
func DefaultPatterns() *Patterns {
	p, err := CompilePatterns(core.Descriptor{})
	if err != nil {
		panic(err)
	}
	return p
}

// Columns returns the record pattern's group names in order.
func (p *Patterns) Columns() []string {
	return p.columns
}

// LineKind classifies a single line.
type LineKind int

const (
	LineBlank LineKind = iota
	LineHeader
	LineFooter
	LineRecord
	LineOther
)

// Classify returns the kind of line. Footers are checked first since a
// TOTAL line can look like a record.
func (p *Patterns) Classify(line string) LineKind {
	switch {
	case strings.TrimSpace(line) == "":
		return LineBlank
	case p.Footer.MatchString(line):
		return LineFooter
	case p.Record.MatchString(line):
		return LineRecord
	case p.Header.MatchString(line):
		return LineHeader
	default:
		return LineOther
	}
}

type reader struct {
	file     io.Closer
	scanner  *bufio.Scanner
	patterns *Patterns
	line     int
}

// NewSource opens a text export file.
func NewSource(ctx context.Context, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	patterns, err := CompilePatterns(desc)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(desc.Location)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSourceUnavailable, "failed to open text export")
	}
	decoded, enc, err := base.DecodeReader(f, desc.Encodings)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	r := &reader{file: f, scanner: scanner, patterns: patterns}
	return base.NewIterator(r, desc.Size(), core.Description{
		Format:   core.FormatTextExport,
		Location: desc.Location,
		Files:    []string{desc.Location},
		Columns:  patterns.Columns(),
		Encoding: enc,
	}), nil
}

func (r *reader) ReadRow(ctx context.Context) (map[string]interface{}, string, error) {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimRight(r.scanner.Text(), "\r")

		switch r.patterns.Classify(line) {
		case LineBlank, LineHeader, LineFooter:
			continue
		case LineRecord:
			m := r.patterns.Record.FindStringSubmatch(line)
			values := make(map[string]interface{}, len(r.patterns.columns))
			for i, name := range r.patterns.Record.SubexpNames() {
				if name != "" {
					values[name] = m[i]
				}
			}
			return values, "", nil
		default:
			return map[string]interface{}{"_raw": line}, "unrecognized line " + strconv.Itoa(r.line), nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, "", errors.Wrap(err, errors.KindMalformedInput, "failed to scan text export")
	}
	return nil, "", io.EOF
}

func (r *reader) Columns() []string {
	return r.patterns.columns
}

func (r *reader) Close() error {
	return r.file.Close()
}
