// Package csv reads delimited text with a sniffed dialect and detected
// header row.
package csv

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/countyops/assessorsync/pkg/connector/base"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/detect"
	"github.com/countyops/assessorsync/pkg/connector/registry"
	"github.com/countyops/assessorsync/pkg/errors"
)

func init() {
	_ = registry.RegisterSource(core.FormatCSV, NewSource, &registry.AdapterInfo{
		Description: "Delimited text (CSV, TSV, pipe and semicolon separated)",
		Extensions:  []string{".csv", ".tsv", ".psv", ".txt"},
		Options:     []string{core.OptDelimiter, core.OptHasHeader},
	})
}

type reader struct {
	file    io.Closer
	csv     *csv.Reader
	columns []string
	// first holds the first record when the file has no header row.
	first   []string
}

// NewSource opens a delimited file.
func NewSource(ctx context.Context, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	f, err := os.Open(desc.Location)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSourceUnavailable, "failed to open delimited file")
	}

	r, enc, err := open(f, desc)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return base.NewIterator(r, desc.Size(), core.Description{
		Format:   core.FormatCSV,
		Location: desc.Location,
		Files:    []string{desc.Location},
		Columns:  r.columns,
		Encoding: enc,
	}), nil
}

func open(f io.ReadCloser, desc core.Descriptor) (*reader, string, error) {
	decoded, enc, err := base.DecodeReader(f, desc.Encodings)
	if err != nil {
		return nil, "", err
	}

	br := bufio.NewReaderSize(decoded, detect.SampleBytes)
	sample, _ := br.Peek(detect.SampleBytes)

	delim := ','
	if opt := desc.Option(core.OptDelimiter, ""); opt != "" {
		d, ok := detect.ParseDelimiter(opt)
		if !ok {
			return nil, "", errors.Newf(errors.KindConfig, "invalid delimiter %q", opt)
		}
		delim = d
	} else if d, ok := detect.SniffDelimiter(detect.SampleLines(sample, len(sample) >= detect.SampleBytes)); ok {
		delim = d
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	first, err := cr.Read()
	if err == io.EOF {
		return &reader{file: f, csv: cr}, enc, nil
	}
	if err != nil {
		return nil, "", errors.Wrap(err, errors.KindMalformedInput, "failed to read first row")
	}

	hasHeader, set := desc.BoolOption(core.OptHasHeader)
	if !set {
		hasHeader = detect.LooksLikeHeader(first)
	}

	r := &reader{file: f, csv: cr}
	if hasHeader {
		r.columns = HeaderColumns(first)
	} else {
		r.columns = make([]string, len(first))
		for i := range first {
			r.columns[i] = fmt.Sprintf("column_%d", i+1)
		}
		r.first = first
	}
	return r, enc, nil
}

// HeaderColumns cleans header cells: blanks become column_N and repeated
// names get a numeric suffix.
func HeaderColumns(cells []string) []string {
	cols := make([]string, len(cells))
	seen := make(map[string]int, len(cells))
	for i, c := range cells {
		name := strings.TrimSpace(c)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		cols[i] = name
	}
	return cols
}

func (r *reader) ReadRow(ctx context.Context) (map[string]interface{}, string, error) {
	var record []string
	if r.first != nil {
		record, r.first = r.first, nil
	} else {
		rec, err := r.csv.Read()
		if err == io.EOF {
			return nil, "", io.EOF
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return map[string]interface{}{}, perr.Error(), nil
			}
			return nil, "", errors.Wrap(err, errors.KindMalformedInput, "failed to read delimited row")
		}
		record = rec
	}

	values := make(map[string]interface{}, len(r.columns))
	for i, col := range r.columns {
		if i < len(record) {
			values[col] = record[i]
		}
	}
	if len(record) != len(r.columns) {
		return values, fmt.Sprintf("expected %d fields, got %d", len(r.columns), len(record)), nil
	}
	return values, "", nil
}

func (r *reader) Columns() []string {
	return r.columns
}

func (r *reader) Close() error {
	return r.file.Close()
}
