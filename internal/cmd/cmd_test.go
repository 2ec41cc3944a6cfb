package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/cli-runtime/iooption"

	"github.com/tomasbasham/imagestore/internal/artefact"
	"github.com/tomasbasham/imagestore/internal/metadata"
	"github.com/tomasbasham/imagestore/internal/testutil"
	"github.com/tomasbasham/imagestore/internal/unitofwork"
)

func TestApplyConfig(t *testing.T) {
	t.Setenv("IMAGESTORE_DATABASE_DSN", "postgres://db/imagestore")
	t.Setenv("IMAGESTORE_OPERATION_TIMEOUT", "5s")
	t.Setenv("IMAGESTORE_PORT", "9090")

	var dsn string
	var timeout time.Duration
	var port int
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&dsn, "database-dsn", "imagestore.db", "")
	fs.DurationVar(&timeout, "operation-timeout", time.Second, "")
	fs.IntVar(&port, "port", 8080, "")
	require.NoError(t, fs.Parse([]string{"--port", "7070"}))

	v := viper.New()
	v.SetEnvPrefix("IMAGESTORE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	require.NoError(t, applyConfig(v, fs))

	assert.Equal(t, "postgres://db/imagestore", dsn)
	assert.Equal(t, 5*time.Second, timeout)
	assert.Equal(t, 7070, port, "explicit flags win over the environment")
}

func TestApplyConfig_InvalidValue(t *testing.T) {
	t.Setenv("IMAGESTORE_PORT", "eighty")

	var port int
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.IntVar(&port, "port", 8080, "")
	require.NoError(t, fs.Parse(nil))

	v := viper.New()
	v.SetEnvPrefix("IMAGESTORE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	assert.ErrorContains(t, applyConfig(v, fs), "port")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "owner_id", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"owner_id":1`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestStoreOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    StoreOptions
		wantErr bool
	}{
		{"disk sqlite", StoreOptions{StorageBackend: "disk", StorageRoot: "x", DatabaseDriver: "sqlite", DatabaseDSN: "x.db"}, false},
		{"gcs without bucket", StoreOptions{StorageBackend: "gcs", DatabaseDriver: "memory"}, true},
		{"s3 with bucket", StoreOptions{StorageBackend: "s3", Bucket: "b", DatabaseDriver: "postgres", DatabaseDSN: "postgres://"}, false},
		{"unknown backend", StoreOptions{StorageBackend: "ftp", DatabaseDriver: "memory"}, true},
		{"unknown driver", StoreOptions{StorageBackend: "disk", StorageRoot: "x", DatabaseDriver: "mysql"}, true},
		{"postgres without dsn", StoreOptions{StorageBackend: "disk", StorageRoot: "x", DatabaseDriver: "postgres"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommandWithArgs(NewRootOptions(iooption.IOStreams{
		In:     bytes.NewReader(nil),
		Out:    &out,
		ErrOut: &errOut,
	}))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestUploadAndSweepCommands(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "imagestore.db")
	images := filepath.Join(dir, "images")

	db, err := metadata.Open(context.Background(), metadata.SQLite, dsn)
	require.NoError(t, err)
	var owner int64
	require.NoError(t, unitofwork.Run(context.Background(), db, func(ctx context.Context, u *unitofwork.Unit) error {
		owner, err = db.Create(ctx, u)
		return err
	}))
	require.NoError(t, db.Close())

	file := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(file, testutil.PNG(2048), 0o644))

	t.Setenv("IMAGESTORE_DATABASE_DSN", dsn)
	t.Setenv("IMAGESTORE_STORAGE_ROOT", images)

	out, err := execute(t, "upload", "1", file)
	require.NoError(t, err)
	var res artefact.UploadResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, owner, res.OwnerID)
	assert.FileExists(t, filepath.Join(images, res.StorageKey))

	orphan := filepath.Join(images, "1_1.png")
	foreign := filepath.Join(images, "README.txt")
	old := time.Now().Add(-time.Hour)
	for _, path := range []string{orphan, foreign} {
		require.NoError(t, os.WriteFile(path, []byte("unreferenced"), 0o644))
		require.NoError(t, os.Chtimes(path, old, old))
	}

	out, err = execute(t, "sweep", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "1 deleted")
	assert.Contains(t, out, "1 ignored")
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, foreign)
	assert.FileExists(t, filepath.Join(images, res.StorageKey))
}

func TestUploadCommand_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "upload", "abc", "scan.png")
	assert.ErrorContains(t, err, "invalid OWNER_ID")

	_, err = execute(t, "upload", "1", filepath.Join(dir, "missing.png"))
	assert.ErrorContains(t, err, "failed to read upload")

	_, err = execute(t, "sweep", "--database-driver", "memory")
	assert.ErrorContains(t, err, "persistent database")
}
