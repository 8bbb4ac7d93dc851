package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gwerrors "github.com/ActiveStack/gateway/errors"
)

// Limits on operator supplied input. A gateway config is a few kilobytes;
// anything near these bounds is a mistake or an attack.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

// checkConfigPath accepts absolute or relative JSON and YAML paths that do
// not climb out through a ".." segment
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return gwerrors.ErrMissingConfig
	case len(path) > maxPathLen:
		return fmt.Errorf("config path longer than %d bytes", maxPathLen)
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" && !isYAML(path) {
		return fmt.Errorf("config file %q: extension %q is not .json, .yaml or .yml", path, ext)
	}
	return nil
}

// readConfigFile returns the contents of a config layer. A missing file
// matches ErrConfigNotFound.
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", gwerrors.ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config %s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config %s is %d bytes, limit %d", path, info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// writeConfigFile stores a config readable by the owner only
func writeConfigFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config is %d bytes, limit %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0600)
}

func checkEnvValue(name, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s is %d bytes, limit %d", name, len(value), maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", name)
	}
	return nil
}

// checkNesting bounds the object and array depth of a JSON document
// before it is decoded
func checkNesting(data []byte) error {
	depth := 0
	inString, escaped := false, false

	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth++; depth > maxJSONDepth {
				return fmt.Errorf("nesting deeper than %d", maxJSONDepth)
			}
		case '}', ']':
			if depth--; depth < 0 {
				return errors.New("unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%d unclosed brackets", depth)
	}
	return nil
}
