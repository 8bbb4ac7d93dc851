package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/ActiveStack/gateway/errors"
)

// TestCheckConfigPath tests which config paths are accepted
func TestCheckConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute yaml", "/etc/gateway/gateway.yaml", false},
		{"relative json", "conf/gateway.json", false},
		{"upper case extension", "gateway.YML", false},
		{"empty", "", true},
		{"parent segment", "../gateway.yaml", true},
		{"parent segment inside absolute", "/etc/gateway/../shadow.yaml", true},
		{"dots in file name", "gateway..prod.yaml", false},
		{"wrong extension", "gateway.toml", true},
		{"too long", "/" + strings.Repeat("a", maxPathLen) + ".yaml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkConfigPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestReadConfigFile_Missing tests that a missing layer is reported as not found
func TestReadConfigFile_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")

	_, err := readConfigFile(path)
	assert.ErrorIs(t, err, gwerrors.ErrConfigNotFound)

	_, err = testLoader(nil).LoadFile(path)
	assert.ErrorIs(t, err, gwerrors.ErrConfigNotFound)
	assert.True(t, gwerrors.IsInvalid(err))
}

// TestReadConfigFile_TooLarge tests the size limit
func TestReadConfigFile_TooLarge(t *testing.T) {
	path := writeFile(t, "big.json", `{"pad":"`+strings.Repeat("x", maxConfigSize)+`"}`)

	_, err := readConfigFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

// TestWriteConfigFile tests owner-only permissions and the size limit
func TestWriteConfigFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "gateway.json")
	require.NoError(t, writeConfigFile(path, []byte(`{}`)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	err = writeConfigFile(filepath.Join(dir, "big.json"), make([]byte, maxConfigSize+1))
	assert.Error(t, err)
}

// TestCheckEnvValue tests environment override limits
func TestCheckEnvValue(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"empty", "", false},
		{"url", "nats://a:4222,nats://b:4222", false},
		{"nul byte", "abc\x00def", true},
		{"too long", strings.Repeat("v", maxEnvVarLen+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkEnvValue("GATEWAY_NATS_URLS", tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "GATEWAY_NATS_URLS")
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestCheckNesting tests bracket depth counting outside strings
func TestCheckNesting(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"flat", `{"a":1,"b":[1,2]}`, false},
		{"at limit", strings.Repeat("[", maxJSONDepth) + strings.Repeat("]", maxJSONDepth), false},
		{"over limit", strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1), true},
		{"brackets in strings", `{"a":"[[[{{{","b":"\"]]"}`, false},
		{"unbalanced close", `{"a":1}}`, true},
		{"unclosed", `{"a":[1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkNesting([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
