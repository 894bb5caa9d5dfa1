package connector_test

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/countyops/assessorsync/pkg/connector"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func drain(t *testing.T, it core.BatchIterator) []*models.Batch {
	t.Helper()
	var out []*models.Batch
	for {
		b, err := it.NextBatch(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func rowsOf(batches []*models.Batch) []models.SourceRow {
	var rows []models.SourceRow
	for _, b := range batches {
		rows = append(rows, b.Rows...)
	}
	return rows
}

func open(t *testing.T, desc core.Descriptor) core.BatchIterator {
	t.Helper()
	if desc.Kind == "" {
		desc.Kind = core.KindFile
	}
	it, err := connector.Open(context.Background(), desc, core.Env{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = it.Close() })
	return it
}

func TestOpenCSV(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "props.csv", []byte(
		"PropertyID,LandValue,Bedrooms\r\n"+
			"P00001,\"$120,000\",3\r\n"+
			"P00002,not-a-number,3\r\n"))

	it := open(t, core.Descriptor{Location: path})
	batches := drain(t, it)
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, []string{"PropertyID", "LandValue", "Bedrooms"}, b.Columns)
	assert.True(t, b.Meta.IsLast)
	assert.Equal(t, "utf-8", b.Meta.Encoding)
	require.Len(t, b.Rows, 2)
	assert.Equal(t, "$120,000", b.Rows[0].Values["LandValue"])
	assert.Equal(t, "not-a-number", b.Rows[1].Values["LandValue"])
	assert.Equal(t, int64(1), b.Rows[1].Offset)
	assert.Equal(t, core.FormatCSV, it.Describe().Format)
}

func TestCSVDialectAndHeaderDetection(t *testing.T) {
	dir := t.TempDir()

	t.Run("tab separated without header", func(t *testing.T) {
		path := writeFile(t, dir, "noheader.txt", []byte("P1\t100\t3\nP2\t200\t4\n"))
		rows := rowsOf(drain(t, open(t, core.Descriptor{Location: path})))
		require.Len(t, rows, 2)
		assert.Equal(t, "P1", rows[0].Values["column_1"])
		assert.Equal(t, "200", rows[1].Values["column_2"])
	})

	t.Run("explicit delimiter and header", func(t *testing.T) {
		path := writeFile(t, dir, "pipe.csv", []byte("a|b\n1|2\n"))
		rows := rowsOf(drain(t, open(t, core.Descriptor{
			Location: path,
			Options:  map[string]string{core.OptDelimiter: "pipe", core.OptHasHeader: "true"},
		})))
		require.Len(t, rows, 1)
		assert.Equal(t, "2", rows[0].Values["b"])
	})

	t.Run("short row is a parse error", func(t *testing.T) {
		path := writeFile(t, dir, "short.csv", []byte("a,b,c\n1,2,3\n4,5\n6,7,8\n"))
		rows := rowsOf(drain(t, open(t, core.Descriptor{Location: path})))
		require.Len(t, rows, 3)
		assert.Empty(t, rows[0].ParseError)
		assert.Contains(t, rows[1].ParseError, "expected 3 fields")
		assert.Empty(t, rows[2].ParseError)
	})
}

func TestGlobCumulativeOffsets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", []byte("id,v\n1,a\n2,b\n"))
	writeFile(t, dir, "b.csv", []byte("id,v\n3,c\n4,d\n5,e\n"))

	batches := drain(t, open(t, core.Descriptor{Location: filepath.Join(dir, "*.csv"), BatchSize: 2}))
	require.Len(t, batches, 3)

	assert.Equal(t, int64(0), batches[0].Meta.SourceOffset)
	assert.False(t, batches[0].Meta.IsLast)
	assert.Equal(t, filepath.Join(dir, "a.csv"), batches[0].Meta.File)

	assert.Equal(t, int64(2), batches[1].Meta.SourceOffset)
	assert.Equal(t, filepath.Join(dir, "b.csv"), batches[1].Meta.File)
	assert.False(t, batches[1].Meta.IsLast)

	assert.Equal(t, int64(4), batches[2].Meta.SourceOffset)
	assert.True(t, batches[2].Meta.IsLast)
	assert.Equal(t, "5", batches[2].Rows[0].Values["id"])
	assert.Equal(t, int64(4), batches[2].Rows[0].Offset)
}

func TestEncodingFallback(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		data     []byte
		want     string
		encoding string
	}{
		{"utf-8 with BOM", []byte("\xEF\xBB\xBFowner\nJosé\n"), "José", "utf-8"},
		{"latin-1", []byte("owner\nJos\xe9\n"), "José", "latin-1"},
		{"cp1252 smart quotes", []byte("owner\n\x93Main\x94\n"), "“Main”", "cp1252"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".csv", tt.data)
			batches := drain(t, open(t, core.Descriptor{Location: path, Options: map[string]string{core.OptHasHeader: "true"}}))
			require.Len(t, batches, 1)
			assert.Equal(t, tt.encoding, batches[0].Meta.Encoding)
			assert.Equal(t, tt.want, batches[0].Rows[0].Values["owner"])
		})
	}

	t.Run("configured order is honored", func(t *testing.T) {
		path := writeFile(t, dir, "forced.csv", []byte("owner\nJos\xe9\n"))
		batches := drain(t, open(t, core.Descriptor{
			Location:  path,
			Encodings: []string{"utf-8", "iso-8859-1"},
			Options:   map[string]string{core.OptHasHeader: "true"},
		}))
		assert.Equal(t, "iso-8859-1", batches[0].Meta.Encoding)
	})

	t.Run("no decoder accepts", func(t *testing.T) {
		path := writeFile(t, dir, "bad.csv", []byte("owner\nJos\xe9\n"))
		_, err := connector.Open(context.Background(), core.Descriptor{
			Kind: core.KindFile, Location: path, Encodings: []string{"utf-8"},
		}, core.Env{})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindMalformedInput))
	})
}

func TestTextExport(t *testing.T) {
	report := `COUNTY LEVY REPORT 2024
TAX CODE    LEVY RATE   LEVY AMOUNT    ASSESSED VALUE
----------  ---------   -----------    --------------
01-001      1.2500      $12,500.00     $1,000,000.00

01-002      0.9800      $9,800.00      $1,000,000.00
TOTAL                   $22,300.00
END OF REPORT
`
	path := writeFile(t, t.TempDir(), "levy.lvy", []byte(report))
	it := open(t, core.Descriptor{Location: path})
	rows := rowsOf(drain(t, it))

	require.Len(t, rows, 3)
	assert.Contains(t, rows[0].ParseError, "unrecognized line 1")
	assert.Equal(t, "01-001", rows[1].Values["tax_code"])
	assert.Equal(t, "$12,500.00", rows[1].Values["levy_amount"])
	assert.Equal(t, "0.9800", rows[2].Values["levy_rate"])
	assert.Equal(t, []string{"tax_code", "levy_rate", "levy_amount", "assessed_value"}, it.Describe().Columns)
}

func TestXMLRecordPath(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<County>
  <Parcels>
    <Parcel id="P00001">
      <Owner><Name>Jane Roe</Name><City>Kennewick</City></Owner>
      <LandValue>120000</LandValue>
    </Parcel>
    <Parcel id="P00002">
      <Owner><Name>John Doe</Name></Owner>
      <LandValue>95000</LandValue>
    </Parcel>
  </Parcels>
</County>`
	path := writeFile(t, t.TempDir(), "parcels.xml", []byte(doc))
	it := open(t, core.Descriptor{Location: path, Options: map[string]string{core.OptRecordPath: "Parcels/Parcel"}})
	batches := drain(t, it)
	rows := rowsOf(batches)

	require.Len(t, rows, 2)
	assert.Equal(t, "P00001", rows[0].Values["id"])
	assert.Equal(t, "Jane Roe", rows[0].Values["Owner.Name"])
	assert.Equal(t, "Kennewick", rows[0].Values["Owner.City"])
	assert.Equal(t, "95000", rows[1].Values["LandValue"])
	_, hasCity := rows[1].Values["Owner.City"]
	assert.False(t, hasCity)
	assert.Contains(t, batches[0].Columns, "Owner.City")
}

func TestXMLMalformedEndsWithParseError(t *testing.T) {
	doc := `<Parcels><Parcel><Id>1</Id></Parcel><Parcel><Id>2</Parcel></Parcels>`
	path := writeFile(t, t.TempDir(), "broken.xml", []byte(doc))
	rows := rowsOf(drain(t, open(t, core.Descriptor{Location: path})))

	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].Values["Id"])
	assert.Contains(t, rows[1].ParseError, "malformed XML")
}

func TestExcelSheetSelection(t *testing.T) {
	book := excelize.NewFile()
	defer book.Close()

	require.NoError(t, book.SetSheetRow("Sheet1", "A1", &[]interface{}{"notes"}))
	_, err := book.NewSheet("2024 Cost Matrix")
	require.NoError(t, err)
	require.NoError(t, book.SetSheetRow("2024 Cost Matrix", "A1", &[]interface{}{"Region", "BuildingType", "BaseCost"}))
	require.NoError(t, book.SetSheetRow("2024 Cost Matrix", "A2", &[]interface{}{"BC-EAST", "R1", 125.5}))
	require.NoError(t, book.SetSheetRow("2024 Cost Matrix", "A4", &[]interface{}{"BC-WEST", "C2", 210}))

	path := filepath.Join(t.TempDir(), "matrix.xlsx")
	require.NoError(t, book.SaveAs(path))

	it := open(t, core.Descriptor{Location: path})
	rows := rowsOf(drain(t, it))
	require.Len(t, rows, 2)
	assert.Equal(t, "BC-EAST", rows[0].Values["Region"])
	assert.Equal(t, "125.5", rows[0].Values["BaseCost"])
	assert.Equal(t, "C2", rows[1].Values["BuildingType"])
	assert.Equal(t, core.FormatExcel, it.Describe().Format)
}

func TestSQLiteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE property (property_id TEXT, land_value NUMERIC, last_updated TIMESTAMP)`)
	require.NoError(t, err)
	for i, id := range []string{"P1", "P2", "P3"} {
		_, err = db.Exec(`INSERT INTO property VALUES (?, ?, ?)`, id, 1000*(i+1), time.Date(2024, 1, i+1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	t.Run("detected file", func(t *testing.T) {
		rows := rowsOf(drain(t, open(t, core.Descriptor{Location: path})))
		require.Len(t, rows, 3)
		assert.Equal(t, "P1", rows[0].Values["property_id"])
	})

	t.Run("watermark pushdown", func(t *testing.T) {
		rows := rowsOf(drain(t, open(t, core.Descriptor{
			Kind:     core.KindDB,
			Location: path,
			Options: map[string]string{
				core.OptDriver:            "sqlite",
				core.OptQuery:             "SELECT property_id, last_updated FROM property",
				core.OptWatermarkPushdown: "last_updated",
			},
			Since: "2024-01-01T00:00:00Z",
		})))
		require.Len(t, rows, 2)
		assert.Equal(t, "P2", rows[0].Values["property_id"])
		assert.Equal(t, "P3", rows[1].Values["property_id"])
	})
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := connector.Open(context.Background(), core.Descriptor{Kind: core.KindFile, Location: filepath.Join(dir, "missing.csv")}, core.Env{})
	assert.True(t, errors.IsKind(err, errors.KindSourceUnavailable))

	bin := writeFile(t, dir, "blob.bin", []byte{0x00, 0x01, 0x02, 0xff, 0xfe})
	_, err = connector.Open(context.Background(), core.Descriptor{Kind: core.KindFile, Location: bin}, core.Env{})
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedFormat))

	_, err = connector.Open(context.Background(), core.Descriptor{Kind: core.KindRemoteDump, Location: "s3://bucket/x.csv"}, core.Env{})
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
