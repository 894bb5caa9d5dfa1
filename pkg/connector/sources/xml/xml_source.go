// Package xml streams records out of XML documents. A record is an element
// at the configured record path; its attributes and leaf descendants become
// columns, nested names joined with '.'.
package xml

import (
	"context"
	"encoding/xml"
	"io"
	"os"
	"strings"

	"github.com/countyops/assessorsync/pkg/connector/base"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/registry"
	"github.com/countyops/assessorsync/pkg/errors"
)

func init() {
	_ = registry.RegisterSource(core.FormatXML, NewSource, &registry.AdapterInfo{
		Description: "XML documents with a record path",
		Extensions:  []string{".xml"},
		Options:     []string{core.OptRecordPath},
	})
}

type frame struct {
	name     string
	text     strings.Builder
	hasChild bool
}

type reader struct {
	file    io.Closer
	dec     *xml.Decoder
	record  []string
	stack   []string
	columns []string
	seen    map[string]bool
	failed  bool
}

// NewSource opens an XML file.
func NewSource(ctx context.Context, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	f, err := os.Open(desc.Location)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSourceUnavailable, "failed to open XML file")
	}
	decoded, enc, err := base.DecodeReader(f, desc.Encodings)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	dec := xml.NewDecoder(decoded)
	dec.CharsetReader = base.CharsetReader(enc)
	dec.Strict = true

	r := &reader{
		file:   f,
		dec:    dec,
		record: splitPath(desc.Option(core.OptRecordPath, "")),
		seen:   make(map[string]bool),
	}
	return base.NewIterator(r, desc.Size(), core.Description{
		Format:   core.FormatXML,
		Location: desc.Location,
		Files:    []string{desc.Location},
		Encoding: enc,
	}), nil
}

func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(strings.Trim(p, "/"), "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// atRecord reports whether the current element stack ends in the record
// path. Without a path every child of the root element is a record.
func (r *reader) atRecord() bool {
	if len(r.record) == 0 {
		return len(r.stack) == 2
	}
	if len(r.stack) < len(r.record) {
		return false
	}
	tail := r.stack[len(r.stack)-len(r.record):]
	for i := range tail {
		if tail[i] != r.record[i] {
			return false
		}
	}
	return true
}

func (r *reader) addColumn(name string) {
	if !r.seen[name] {
		r.seen[name] = true
		r.columns = append(r.columns, name)
	}
}

func (r *reader) ReadRow(ctx context.Context) (map[string]interface{}, string, error) {
	if r.failed {
		return nil, "", io.EOF
	}
	for {
		tok, err := r.dec.Token()
		if err == io.EOF {
			return nil, "", io.EOF
		}
		if err != nil {
			return r.fail(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			r.stack = append(r.stack, t.Name.Local)
			if r.atRecord() {
				values, perr := r.readRecord(t)
				r.stack = r.stack[:len(r.stack)-1]
				if perr != nil {
					return r.fail(perr)
				}
				return values, "", nil
			}
		case xml.EndElement:
			if len(r.stack) > 0 {
				r.stack = r.stack[:len(r.stack)-1]
			}
		}
	}
}

// readRecord consumes tokens up to the record's end element.
func (r *reader) readRecord(start xml.StartElement) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	set := func(name, v string) {
		r.addColumn(name)
		if prev, ok := values[name]; ok && prev != "" {
			values[name] = prev.(string) + "; " + v
			return
		}
		values[name] = v
	}
	for _, a := range start.Attr {
		set(a.Name.Local, strings.TrimSpace(a.Value))
	}

	var frames []*frame
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if n := len(frames); n > 0 {
				frames[n-1].hasChild = true
			}
			frames = append(frames, &frame{name: t.Name.Local})
			prefix := pathOf(frames)
			for _, a := range t.Attr {
				set(prefix+"."+a.Name.Local, strings.TrimSpace(a.Value))
			}
		case xml.CharData:
			if n := len(frames); n > 0 {
				frames[n-1].text.Write(t)
			}
		case xml.EndElement:
			n := len(frames)
			if n == 0 {
				return values, nil
			}
			top := frames[n-1]
			if !top.hasChild {
				set(pathOf(frames), strings.TrimSpace(top.text.String()))
			}
			frames = frames[:n-1]
		}
	}
}

func pathOf(frames []*frame) string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.name
	}
	return strings.Join(names, ".")
}

func (r *reader) fail(err error) (map[string]interface{}, string, error) {
	r.failed = true
	return map[string]interface{}{}, "malformed XML: " + err.Error(), nil
}

func (r *reader) Columns() []string {
	return r.columns
}

func (r *reader) Close() error {
	return r.file.Close()
}
