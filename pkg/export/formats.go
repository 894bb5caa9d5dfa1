package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// Format is an artifact format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatSQLite  Format = "sqlite"
	FormatGeoJSON Format = "geojson"
)

// ParseFormat reads a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatSQLite, FormatGeoJSON:
		return f, nil
	}
	return "", errors.Newf(errors.KindConfig, "unknown export format %q", s)
}

// Extension is the file suffix of f, before any compression suffix.
func (f Format) Extension() string {
	switch f {
	case FormatSQLite:
		return ".db"
	case FormatGeoJSON:
		return ".geojson"
	default:
		return "." + string(f)
	}
}

func (f Format) contentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatGeoJSON:
		return "application/geo+json"
	default:
		return "application/vnd.sqlite3"
	}
}

// keyOf renders the natural key of row the way it appears in text artifacts.
func keyOf(e *schema.Entity, row models.Row) string {
	parts := make([]string, len(e.NaturalKey))
	for i, f := range e.NaturalKey {
		def, _ := e.Field(f)
		parts[i] = models.Format(def.Type, row[f])
	}
	return strings.Join(parts, "/")
}

// recordWriter writes the records of one text artifact.
type recordWriter interface {
	// WriteRow reports false when the row cannot be represented, e.g. a
	// feature without coordinates.
	WriteRow(row models.Row) (bool, error)
	// WriteRaw copies a record read from an existing artifact.
	WriteRaw(raw interface{}) error
	Close() error
}

// textCodec reads and writes one text format.
type textCodec interface {
	newWriter(w io.Writer, e *schema.Entity) (recordWriter, error)
	// readExisting visits the records of an artifact in file order.
	readExisting(r io.Reader, e *schema.Entity, fn func(key string, raw interface{}) error) error
}

func codecFor(f Format) textCodec {
	switch f {
	case FormatCSV:
		return csvCodec{}
	case FormatJSON:
		return jsonCodec{}
	case FormatGeoJSON:
		return geoJSONCodec{}
	}
	return nil
}

// CSV: RFC 4180 with a header row of canonical field names.

type csvCodec struct{}

type csvWriter struct {
	w      *csv.Writer
	entity *schema.Entity
	record []string
}

func (csvCodec) newWriter(w io.Writer, e *schema.Entity) (recordWriter, error) {
	cw := csv.NewWriter(w)
	header := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		header[i] = string(f.Name)
	}
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	return &csvWriter{w: cw, entity: e, record: make([]string, len(e.Fields))}, nil
}

func (c *csvWriter) WriteRow(row models.Row) (bool, error) {
	for i, f := range c.entity.Fields {
		c.record[i] = models.Format(f.Type, row[f.Name])
	}
	return true, c.w.Write(c.record)
}

func (c *csvWriter) WriteRaw(raw interface{}) error {
	return c.w.Write(raw.([]string))
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

func (csvCodec) readExisting(r io.Reader, e *schema.Entity, fn func(string, interface{}) error) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	if len(header) != len(e.Fields) {
		return errors.Newf(errors.KindExportWriteFailed, "existing artifact has %d columns, %s has %d", len(header), e.Name, len(e.Fields))
	}
	for i, f := range e.Fields {
		if header[i] != string(f.Name) {
			return errors.Newf(errors.KindExportWriteFailed, "existing artifact column %d is %q, expected %q", i+1, header[i], f.Name)
		}
	}
	keyIdx := make([]int, len(e.NaturalKey))
	for i, k := range e.NaturalKey {
		for j, f := range e.Fields {
			if f.Name == k {
				keyIdx[i] = j
			}
		}
	}

	parts := make([]string, len(keyIdx))
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for i, j := range keyIdx {
			parts[i] = rec[j]
		}
		if err := fn(strings.Join(parts, "/"), rec); err != nil {
			return err
		}
	}
}

// orderedRecord encodes a row as a JSON object in field declaration order.
type orderedRecord struct {
	entity *schema.Entity
	row    models.Row
}

func (o orderedRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o.entity.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(string(f.Name))
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(models.JSONValue(f.Type, o.row[f.Name]))
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// JSON: an array of objects, one per row.

type jsonCodec struct{}

type jsonWriter struct {
	enc    *json.StreamingEncoder
	entity *schema.Entity
}

func (jsonCodec) newWriter(w io.Writer, e *schema.Entity) (recordWriter, error) {
	enc, err := json.NewStreamingEncoder(w)
	if err != nil {
		return nil, err
	}
	return &jsonWriter{enc: enc, entity: e}, nil
}

func (j *jsonWriter) WriteRow(row models.Row) (bool, error) {
	return true, j.enc.Encode(orderedRecord{entity: j.entity, row: row})
}

func (j *jsonWriter) WriteRaw(raw interface{}) error {
	return j.enc.Encode(raw.(json.RawMessage))
}

func (j *jsonWriter) Close() error { return j.enc.Close() }

func (jsonCodec) readExisting(r io.Reader, e *schema.Entity, fn func(string, interface{}) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "existing artifact is not a JSON array")
	}
	for _, raw := range records {
		var obj map[string]interface{}
		if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&obj); err != nil {
			return errors.Wrap(err, errors.KindExportWriteFailed, "existing artifact record is not an object")
		}
		parts := make([]string, len(e.NaturalKey))
		for i, k := range e.NaturalKey {
			parts[i] = textOf(obj[string(k)])
		}
		if err := fn(strings.Join(parts, "/"), raw); err != nil {
			return err
		}
	}
	return nil
}

func textOf(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return models.FormatAny(x)
	}
}

// GeoJSON: a FeatureCollection of points. The feature id is the natural key.

type geoJSONCodec struct{}

type geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type feature struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	Geometry   geometry      `json:"geometry"`
	Properties orderedRecord `json:"properties"`
}

type geoJSONWriter struct {
	w      io.Writer
	enc    *json.StreamingEncoder
	entity *schema.Entity
}

func (geoJSONCodec) newWriter(w io.Writer, e *schema.Entity) (recordWriter, error) {
	if !e.HasGeometry() {
		return nil, errors.Newf(errors.KindConfig, "%s has no point columns", e.Name)
	}
	if _, err := io.WriteString(w, `{"type":"FeatureCollection","features":`); err != nil {
		return nil, err
	}
	enc, err := json.NewStreamingEncoder(w)
	if err != nil {
		return nil, err
	}
	return &geoJSONWriter{w: w, enc: enc, entity: e}, nil
}

func (g *geoJSONWriter) WriteRow(row models.Row) (bool, error) {
	lat, okLat := row[g.entity.Latitude].(float64)
	lon, okLon := row[g.entity.Longitude].(float64)
	if !okLat || !okLon {
		return false, nil
	}
	return true, g.enc.Encode(feature{
		Type:       "Feature",
		ID:         keyOf(g.entity, row),
		Geometry:   geometry{Type: "Point", Coordinates: [2]float64{lon, lat}},
		Properties: orderedRecord{entity: g.entity, row: row},
	})
}

func (g *geoJSONWriter) WriteRaw(raw interface{}) error {
	return g.enc.Encode(raw.(json.RawMessage))
}

func (g *geoJSONWriter) Close() error {
	if err := g.enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(g.w, "}\n")
	return err
}

func (geoJSONCodec) readExisting(r io.Reader, _ *schema.Entity, fn func(string, interface{}) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var fc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "existing artifact is not a FeatureCollection")
	}
	for _, raw := range fc.Features {
		var f struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return errors.Wrap(err, errors.KindExportWriteFailed, "existing feature is malformed")
		}
		if err := fn(f.ID, raw); err != nil {
			return err
		}
	}
	return nil
}
