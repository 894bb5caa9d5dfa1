package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countyops/assessorsync/pkg/errors"
)

func TestEverySourceRowCountedOnce(t *testing.T) {
	lines := []string{
		`P00001,100,2,A,`,
		`P00001,150,2,A,`,
		`P00002,200,3,B,`,
		`P00003,garbage,3,C,`,
	}

	tests := []struct {
		name      string
		mode      string
		chunkSize int
		accepted  int64
		rejected  int64
		dupes     int64
	}{
		{name: "append one chunk", mode: "append", chunkSize: 100, accepted: 2, rejected: 2, dupes: 1},
		{name: "append across chunks", mode: "append", chunkSize: 1, accepted: 2, rejected: 2, dupes: 1},
		{name: "merge one chunk", mode: "merge", chunkSize: 100, accepted: 3, rejected: 1},
		{name: "merge across chunks", mode: "merge", chunkSize: 1, accepted: 3, rejected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			spec := jobSpec("parcels", f.csv(t, "parcels.csv", lines...))
			spec.Mode = tt.mode
			spec.ChunkSize = tt.chunkSize

			res := f.run(t, spec)
			assert.Equal(t, StatePartial, res.Status)
			assert.Equal(t, tt.accepted, res.Accepted)
			assert.Equal(t, tt.rejected, res.Rejected)
			assert.Equal(t, int64(len(lines)), res.Accepted+res.Rejected+res.ParseErrors)

			var grouped, dupes int64
			for _, g := range res.Rejections {
				grouped += g.Count
				if g.Kind == errors.KindDuplicateKey {
					dupes = g.Count
				}
			}
			assert.Equal(t, res.Rejected, grouped)
			assert.Equal(t, tt.dupes, dupes)

			rec := f.mark(t, "parcels")
			require.NotNil(t, rec)
			run := rec.LastRun
			assert.Equal(t, res.Accepted, run.Accepted())
			assert.Equal(t, res.Rejected, run.Rejected)
			assert.Equal(t, int64(len(lines)), run.Accepted()+run.Rejected+run.ParseErrors)
			assert.Equal(t, run, rec.Total)

			assert.Len(t, f.rows(t), 2)
		})
	}
}
