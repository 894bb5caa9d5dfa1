package export

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/blobstore"
	"github.com/countyops/assessorsync/pkg/compression"
	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/connector"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/json"
	"github.com/countyops/assessorsync/pkg/loader"
	"github.com/countyops/assessorsync/pkg/mapping"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
	"github.com/countyops/assessorsync/pkg/store"
	"github.com/countyops/assessorsync/pkg/transform"
)

type fixture struct {
	loader *loader.Loader
	entity *schema.Entity
	dir    string
	rows   []models.Row
}

func parcel(i int) models.Row {
	return models.Row{
		schema.FieldPropertyID:       "P0000" + string(rune('0'+i)),
		schema.FieldCity:             "Kennewick",
		schema.FieldLatitude:         46.2 + float64(i)/100,
		schema.FieldLongitude:        -119.1 - float64(i)/100,
		schema.FieldBedrooms:         int64(i + 1),
		schema.FieldLandValue:        models.Money(int64(i+1) * 1_000_000),
		schema.FieldImprovementValue: models.Money(int64(i+1)*2_500_000 + 25),
		schema.FieldTotalValue:       models.Money(int64(i+1)*3_500_000 + 25),
		schema.FieldLastSaleDate:     time.Date(2019, time.Month(i+1), 15, 0, 0, 0, 0, time.UTC),
		schema.FieldLastUpdated:      time.Date(2024, 3, 1, i, 30, 0, 0, time.UTC),
	}
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	l := zaptest.NewLogger(t)
	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "county.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	e, err := schema.Lookup(schema.Property)
	require.NoError(t, err)
	f := &fixture{loader: loader.New(s, nil, l), entity: e, dir: filepath.Join(t.TempDir(), "exports")}
	for i := 0; i < n; i++ {
		f.rows = append(f.rows, parcel(i))
	}
	f.load(t, f.rows...)
	return f
}

func (f *fixture) load(t *testing.T, rows ...models.Row) {
	t.Helper()
	ctx := context.Background()
	sess, err := f.loader.Begin(ctx, loader.Target{Entity: f.entity})
	require.NoError(t, err)
	chunk := loader.Chunk{}
	for i, r := range rows {
		chunk.Rows = append(chunk.Rows, models.CanonicalRow{Offset: int64(i + 1), Values: r})
	}
	_, err = sess.LoadChunk(ctx, chunk)
	require.NoError(t, err)
	require.NoError(t, sess.Finish(ctx))
}

func (f *fixture) exporter(t *testing.T, opts Options) *Exporter {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = f.dir
	}
	x, err := New(f.loader, opts, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return x
}

// reimport reads an artifact back through a source adapter and an identity
// mapping.
func reimport(t *testing.T, e *schema.Entity, path string) []models.Row {
	t.Helper()
	ctx := context.Background()
	it, err := connector.Open(ctx, core.Descriptor{Kind: core.KindFile, Location: path}, core.Env{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer it.Close()

	m := &mapping.Mapping{DataType: e.Name, Name: "identity"}
	for _, f := range e.Fields {
		m.Fields = append(m.Fields, mapping.FieldMapping{Field: f.Name, Column: string(f.Name)})
	}
	engine, err := transform.NewEngine(m, transform.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var out []models.Row
	for {
		b, err := it.NextBatch(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		for _, r := range engine.Transform(b) {
			_, fatal := r.FatalIssue()
			require.False(t, fatal, "row %d: %v", r.Offset, r.Issues)
			out = append(out, r.Values)
		}
	}
}

func assertSameRows(t *testing.T, e *schema.Entity, want, got []models.Row) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		for _, f := range e.Fields {
			assert.True(t, models.Equal(want[i][f.Name], got[i][f.Name]),
				"row %d field %s: want %v got %v", i, f.Name, want[i][f.Name], got[i][f.Name])
		}
	}
}

func TestExportRoundTrip(t *testing.T) {
	f := newFixture(t, 5)
	x := f.exporter(t, Options{})

	res, err := x.Export(context.Background(), Request{
		Table:   schema.Property,
		Entity:  f.entity,
		Formats: []Format{FormatSQLite, FormatCSV, FormatJSON},
	})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 3)

	locs := res.Locations()
	for _, format := range []Format{FormatSQLite, FormatCSV, FormatJSON} {
		assert.FileExists(t, locs[format])
		assert.Equal(t, f.dir, filepath.Dir(locs[format]))
	}
	for _, a := range res.Artifacts {
		assert.Equal(t, int64(5), a.Rows)
	}

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary files are left behind")

	assertSameRows(t, f.entity, f.rows, reimport(t, f.entity, locs[FormatSQLite]))
	assertSameRows(t, f.entity, f.rows, reimport(t, f.entity, locs[FormatCSV]))
}

func TestJSONArtifact(t *testing.T) {
	f := newFixture(t, 2)
	res, err := f.exporter(t, Options{}).Export(context.Background(), Request{
		Entity:  f.entity,
		Formats: []Format{FormatJSON},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(res.Artifacts[0].Path)
	require.NoError(t, err)
	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "P00000", records[0]["property_id"])
	assert.Equal(t, "2019-01-15", records[0]["last_sale_date"])
	assert.Equal(t, "2024-03-01T00:30:00Z", records[0]["last_updated"])
	assert.Equal(t, 25000.25, records[0]["improvement_value"])
	assert.Nil(t, records[0]["owner_name"])
}

func TestGeoJSONArtifact(t *testing.T) {
	f := newFixture(t, 3)
	noPoint := parcel(7)
	noPoint[schema.FieldLatitude] = nil
	f.load(t, noPoint)

	res, err := f.exporter(t, Options{}).Export(context.Background(), Request{
		Entity:  f.entity,
		Formats: []Format{FormatGeoJSON},
	})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	a := res.Artifacts[0]
	assert.Equal(t, int64(3), a.Rows)
	assert.Equal(t, int64(1), a.Skipped)
	assert.Equal(t, ".geojson", filepath.Ext(a.Path))

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID       string `json:"id"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 3)
	assert.Equal(t, "P00000", fc.Features[0].ID)
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
	assert.Equal(t, []float64{-119.1, 46.2}, fc.Features[0].Geometry.Coordinates)
	assert.Equal(t, "Kennewick", fc.Features[0].Properties["city"])

	tax, err := schema.Lookup(schema.TaxRecord)
	require.NoError(t, err)
	res, err = f.exporter(t, Options{}).Export(context.Background(), Request{Entity: tax, Formats: []Format{FormatGeoJSON}})
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)
}

func TestDeltaMergeUpsertsByKey(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	x := f.exporter(t, Options{})
	formats := []Format{FormatCSV, FormatJSON, FormatSQLite, FormatGeoJSON}

	_, err := x.Export(ctx, Request{Entity: f.entity, Formats: formats})
	require.NoError(t, err)

	since := f.loader.Store().Now()
	time.Sleep(2 * time.Millisecond)
	changed := parcel(1)
	changed[schema.FieldCity] = "Pasco"
	f.load(t, changed, parcel(5))

	res, err := x.Export(ctx, Request{Entity: f.entity, Formats: formats, Scope: ScopeDelta, Since: &since, Merge: true})
	require.NoError(t, err)
	for _, a := range res.Artifacts {
		assert.Equal(t, int64(4), a.Rows, a.Format)
	}

	merged := reimport(t, f.entity, res.Locations()[FormatCSV])
	require.Len(t, merged, 4)
	assert.Equal(t, "P00001", merged[1][schema.FieldPropertyID])
	assert.Equal(t, "Pasco", merged[1][schema.FieldCity], "updated row replaced in place")
	assert.Equal(t, "P00005", merged[3][schema.FieldPropertyID], "new row appended")

	fromDB := reimport(t, f.entity, res.Locations()[FormatSQLite])
	require.Len(t, fromDB, 4)
	assert.Equal(t, "Pasco", fromDB[1][schema.FieldCity])
}

func TestSeparateDeltaArtifact(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	x := f.exporter(t, Options{})
	x.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	since := f.loader.Store().Now()
	time.Sleep(2 * time.Millisecond)
	f.load(t, parcel(4))

	res, err := x.Export(ctx, Request{Entity: f.entity, Formats: []Format{FormatCSV}, Scope: ScopeDelta, Since: &since})
	require.NoError(t, err)
	a := res.Artifacts[0]
	assert.Equal(t, "property.delta-20240601T120000Z.csv", filepath.Base(a.Path))

	file, err := os.Open(a.Path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "property_id", records[0][0])
	assert.Equal(t, "P00004", records[1][0])

	_, err = x.Export(ctx, Request{Entity: f.entity, Formats: []Format{FormatCSV}, Scope: ScopeDelta})
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestCompressedArtifacts(t *testing.T) {
	f := newFixture(t, 3)
	x := f.exporter(t, Options{Compression: compression.Zstd})

	res, err := x.Export(context.Background(), Request{Entity: f.entity, Formats: []Format{FormatCSV, FormatSQLite}})
	require.NoError(t, err)
	locs := res.Locations()
	assert.Equal(t, "property.csv.zst", filepath.Base(locs[FormatCSV]))
	assert.Equal(t, "property.db", filepath.Base(locs[FormatSQLite]))

	in, err := os.Open(locs[FormatCSV])
	require.NoError(t, err)
	defer in.Close()
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Zstd})
	require.NoError(t, err)
	r, err := comp.NewReader(in)
	require.NoError(t, err)
	defer r.Close()
	records, err := csv.NewReader(r).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestUploadToPrefix(t *testing.T) {
	f := newFixture(t, 2)
	remote := t.TempDir()
	x, err := New(f.loader, Options{Dir: f.dir, UploadPrefix: "file://" + remote},
		blobstore.NewRouter(config.BlobConfig{}, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := x.Export(context.Background(), Request{Entity: f.entity, Formats: []Format{FormatJSON}})
	require.NoError(t, err)
	a := res.Artifacts[0]
	assert.Equal(t, "file://"+remote+"/property.json", a.URL)
	assert.Equal(t, a.URL, a.Location())

	local, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	uploaded, err := os.ReadFile(filepath.Join(remote, "property.json"))
	require.NoError(t, err)
	assert.Equal(t, local, uploaded)

	_, err = New(f.loader, Options{Dir: f.dir, UploadPrefix: "s3://bucket/x"}, nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" GeoJSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatGeoJSON, f)
	_, err = ParseFormat("parquet")
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
