package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countyops/assessorsync/internal/pipeline"
)

type cliEnv struct {
	dir    string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "assessorsync.yaml")
	body := "log_level: error\n" +
		"export_dir: " + filepath.Join(dir, "exports") + "\n" +
		"database:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "assessorsync.db") + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))

	mappingDoc := `data_type: property
name: county
fields:
  - field: property_id
    column: PropertyID
  - field: land_value
    column: LandValue
  - field: owner_name
    column: Owner
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mapping.yaml"), []byte(mappingDoc), 0o600))

	jobDoc := `name: parcels
data_type: property
mapping: county
mode: merge
source:
  kind: file
  location: ` + filepath.Join(dir, "parcels.csv") + `
  format: csv
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.yaml"), []byte(jobDoc), 0o600))
	return &cliEnv{dir: dir, config: cfg}
}

func (e *cliEnv) write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (e *cliEnv) exec(args ...string) error {
	root := newRootCmd()
	root.SetArgs(append([]string{"--config", e.config}, args...))
	return root.ExecuteContext(context.Background())
}

func TestRunCommandExitCodes(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.exec("mapping", "import", filepath.Join(env.dir, "mapping.yaml")))

	env.write(t, "parcels.csv", "PropertyID,LandValue,Owner\nP00001,100,SMITH JOHN\n")
	require.NoError(t, env.exec("run", filepath.Join(env.dir, "job.yaml")))

	bad := env.write(t, "bad.csv", "PropertyID,LandValue,Owner\nP00002,not-a-number,DOE JANE\n")
	err := env.exec("run", filepath.Join(env.dir, "job.yaml"), "--location", bad)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, pipeline.ExitDataError, ee.code)
}

func TestRunCommandMissingMappingFails(t *testing.T) {
	env := newCLIEnv(t)
	env.write(t, "parcels.csv", "PropertyID,LandValue,Owner\nP00001,100,SMITH JOHN\n")

	err := env.exec("run", filepath.Join(env.dir, "job.yaml"))
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, pipeline.ExitFatal, ee.code)
}

func TestExportCommandWritesArtifacts(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.exec("mapping", "import", filepath.Join(env.dir, "mapping.yaml")))
	env.write(t, "parcels.csv", "PropertyID,LandValue,Owner\nP00001,100,SMITH JOHN\nP00002,200,DOE JANE\n")
	require.NoError(t, env.exec("run", filepath.Join(env.dir, "job.yaml")))

	require.NoError(t, env.exec("export", "property", "--format", "csv,json"))
	matches, err := filepath.Glob(filepath.Join(env.dir, "exports", "*"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestCommandArgumentErrors(t *testing.T) {
	env := newCLIEnv(t)
	assert.Error(t, env.exec("run"))
	assert.Error(t, env.exec("run", filepath.Join(env.dir, "missing.yaml")))
	assert.Error(t, env.exec("export", "property", "--format", "parquet"))
	assert.Error(t, env.exec("schedule"))
	assert.Error(t, env.exec("watch", filepath.Join(env.dir, "job.yaml")))
	assert.Error(t, env.exec("quality", "report"))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"version"})
	assert.NoError(t, root.Execute())
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "exit status 2", (&exitError{code: 2}).Error())
}
