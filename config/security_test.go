package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/errors"
)

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"", true},
		{"../outside.json", true},
		{"configs/../../outside.yaml", true},
		{"config.toml", true},
		{"configs/node.yaml", false},
		{"configs/node.yml", false},
		{"configs/node.json", false},
		{"/etc/querycache/node.json", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": {"b": ["{", "}"]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": {}`)))
	assert.Error(t, validateJSONDepth([]byte(`}`)))

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.ErrorIs(t, validateJSONDepth([]byte(deep)), errors.ErrInvalidConfig)
}

func TestValidateEnvVar(t *testing.T) {
	assert.NoError(t, validateEnvVar("K", ""))
	assert.NoError(t, validateEnvVar("K", "value"))
	assert.Error(t, validateEnvVar("K", "bad\x00value"))
	assert.Error(t, validateEnvVar("K", strings.Repeat("x", maxEnvVarLen+1)))
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, maxConfigSize+1), 0o600))
	_, err := safeReadFile(big)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = safeReadFile(dir + "/missing.json")
	assert.Error(t, err)

	ok := filepath.Join(dir, "ok.yaml")
	require.NoError(t, safeWriteFile(ok, []byte("node: {}\n")))
	data, err := safeReadFile(ok)
	require.NoError(t, err)
	assert.Equal(t, "node: {}\n", string(data))

	info, err := os.Stat(ok)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
