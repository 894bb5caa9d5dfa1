package blobstore

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		uri    string
		scheme string
		bucket string
		key    string
	}{
		{"s3://county-dumps/cama/2024/parcels.csv.gz", "s3", "county-dumps", "cama/2024/parcels.csv.gz"},
		{"gs://levy/exports/levy.txt", "gs", "levy", "exports/levy.txt"},
		{"file:///srv/data/matrix.xlsx", "file", "", "/srv/data/matrix.xlsx"},
		{"/srv/data/matrix.xlsx", "file", "", "/srv/data/matrix.xlsx"},
		{"https://county.example.gov/dumps/property.xml", "https", "", "/dumps/property.xml"},
	}
	for _, tt := range tests {
		loc, err := Parse(tt.uri)
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.scheme, loc.Scheme)
		assert.Equal(t, tt.bucket, loc.Bucket)
		assert.Equal(t, tt.key, loc.Key)
	}

	_, err := Parse("ftp://old.example/dump.csv")
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedFormat))

	loc, _ := Parse("s3://b/a/b/parcels.csv.gz")
	assert.Equal(t, "parcels.csv.gz", loc.Base())
	assert.Equal(t, "s3://b/exports/property.csv", Join("s3://b/exports/", "property.csv"))
}

func TestLocalRoundTrip(t *testing.T) {
	r := NewRouter(config.BlobConfig{}, zaptest.NewLogger(t))
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "property.csv")

	require.NoError(t, r.Put(context.Background(), "file://"+target, strings.NewReader("property_id\nP00001\n"), "text/csv"))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "property_id\nP00001\n", string(data))

	var buf bytes.Buffer
	require.NoError(t, r.Get(context.Background(), target, &buf))
	assert.Equal(t, string(data), buf.String())

	err = r.Get(context.Background(), filepath.Join(dir, "missing.csv"), &buf)
	assert.True(t, errors.IsKind(err, errors.KindSourceUnavailable))
}

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dump.csv":
			_, _ = w.Write([]byte("a,b\n1,2\n"))
		case "/private.csv":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewRouter(config.BlobConfig{}, zaptest.NewLogger(t))

	var buf bytes.Buffer
	require.NoError(t, r.Get(context.Background(), srv.URL+"/dump.csv", &buf))
	assert.Equal(t, "a,b\n1,2\n", buf.String())

	err := r.Get(context.Background(), srv.URL+"/private.csv", &buf)
	assert.True(t, errors.IsKind(err, errors.KindAuthError))

	err = r.Get(context.Background(), srv.URL+"/gone.csv", &buf)
	assert.True(t, errors.IsKind(err, errors.KindSourceUnavailable))

	err = r.Put(context.Background(), srv.URL+"/up.csv", strings.NewReader("x"), "")
	assert.Error(t, err)
}
