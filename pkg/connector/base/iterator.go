package base

import (
	"context"
	"io"

	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
)

// RowReader is the per-format part of an adapter. ReadRow returns io.EOF at
// the end of input. A non-empty parseErr marks a row that could not be
// parsed; the stream continues after it.
type RowReader interface {
	ReadRow(ctx context.Context) (values map[string]interface{}, parseErr string, err error)
	// Columns returns the column names seen so far.
	Columns() []string
	Close() error
}

// Iterator turns a RowReader into ordered batches. It reads one row ahead so
// the final batch is flagged IsLast.
type Iterator struct {
	reader  RowReader
	size    int
	desc    core.Description
	offset  int64
	pending *models.SourceRow
	done    bool
	closed  bool
}

// NewIterator wraps reader.
func NewIterator(reader RowReader, size int, desc core.Description) *Iterator {
	if size <= 0 {
		size = core.DefaultBatchSize
	}
	return &Iterator{reader: reader, size: size, desc: desc}
}

// NextBatch implements core.BatchIterator.
func (it *Iterator) NextBatch(ctx context.Context) (*models.Batch, error) {
	if it.done && it.pending == nil {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindCancelled, "source read cancelled")
	}

	rows := make([]models.SourceRow, 0, it.size)
	if it.pending != nil {
		rows = append(rows, *it.pending)
		it.pending = nil
	}
	for !it.done && len(rows) < it.size {
		row, err := it.read(ctx)
		if err == io.EOF {
			it.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if !it.done {
		row, err := it.read(ctx)
		switch {
		case err == io.EOF:
			it.done = true
		case err != nil:
			return nil, err
		default:
			it.pending = &row
		}
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}

	cols := it.reader.Columns()
	it.desc.Columns = cols
	return &models.Batch{
		Columns: append([]string(nil), cols...),
		Rows:    rows,
		Meta: models.BatchMeta{
			SourceOffset: rows[0].Offset,
			IsLast:       it.done && it.pending == nil,
			Encoding:     it.desc.Encoding,
			File:         it.desc.Location,
		},
	}, nil
}

func (it *Iterator) read(ctx context.Context) (models.SourceRow, error) {
	values, parseErr, err := it.reader.ReadRow(ctx)
	if err != nil {
		if err == io.EOF {
			return models.SourceRow{}, io.EOF
		}
		var typed *errors.Error
		if errors.As(err, &typed) {
			return models.SourceRow{}, err
		}
		return models.SourceRow{}, errors.Wrap(err, errors.KindMalformedInput, "failed to read source row")
	}
	row := models.SourceRow{Offset: it.offset, Values: values, ParseError: parseErr}
	it.offset++
	return row, nil
}

// Close implements core.BatchIterator.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.reader.Close()
}

// Describe implements core.BatchIterator.
func (it *Iterator) Describe() core.Description {
	return it.desc
}
