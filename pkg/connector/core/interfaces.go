package core

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/blobstore"
	"github.com/countyops/assessorsync/pkg/models"
)

// Kind says where a source lives.
type Kind string

const (
	KindFile       Kind = "file"
	KindDB         Kind = "db"
	KindRemoteDump Kind = "remote_dump"
)

// Format identifies a source adapter.
type Format string

const (
	FormatCSV        Format = "csv"
	FormatExcel      Format = "excel"
	FormatXML        Format = "xml"
	FormatTextExport Format = "text_export"
	FormatSQL        Format = "sql"
)

// DefaultBatchSize is used when a descriptor does not set one.
const DefaultBatchSize = 1000

// Option keys understood by the adapters.
const (
	OptDelimiter         = "delimiter"
	OptHasHeader         = "has_header"
	OptSheet             = "sheet"
	OptRawCells          = "raw_cells"
	OptRecordPath        = "record_path"
	OptHeaderPattern     = "header_pattern"
	OptFooterPattern     = "footer_pattern"
	OptRecordPattern     = "record_pattern"
	OptQuery             = "query"
	OptTable             = "table"
	OptDriver            = "driver"
	OptWatermarkPushdown = "watermark_pushdown"
)

// Descriptor describes a source to open.
type Descriptor struct {
	Kind        Kind
	Location    string
	// Credentials are opaque to the core and only read by adapters that
	// authenticate (user, password, role, ...).
	Credentials map[string]string
	// Format is optional; when empty the format is detected.
	Format      Format
	BatchSize   int
	Options     map[string]string
	// Encodings is the fallback order for text sources.
	Encodings   []string
	// Since is the current watermark; SQL sources push it into the query
	// when OptWatermarkPushdown names a column.
	Since       interface{}
}

// Option returns the named option or def.
func (d Descriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// BoolOption parses a boolean option. ok is false when unset or invalid.
func (d Descriptor) BoolOption(key string) (value, ok bool) {
	raw, present := d.Options[key]
	if !present {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return b, true
}

// Size returns the batch size, defaulting when unset.
func (d Descriptor) Size() int {
	if d.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return d.BatchSize
}

// Description summarizes an open source.
type Description struct {
	Format   Format   `json:"format"`
	Location string   `json:"location"`
	Files    []string `json:"files,omitempty"`
	Columns  []string `json:"columns,omitempty"`
	Encoding string   `json:"encoding,omitempty"`
}

// BatchIterator yields ordered batches. NextBatch returns io.EOF once the
// source is exhausted.
type BatchIterator interface {
	NextBatch(ctx context.Context) (*models.Batch, error)
	Close() error
	Describe() Description
}

// Env carries the process-level collaborators adapters may need.
type Env struct {
	Blob    blobstore.Store
	Logger  *zap.Logger
	// TempDir receives fetched remote dumps. Empty means os.TempDir().
	TempDir string
}

// Factory opens one concrete location (a single file, or a DSN for SQL).
type Factory func(ctx context.Context, desc Descriptor, env Env) (BatchIterator, error)
