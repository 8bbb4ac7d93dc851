package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	gwerrors "github.com/ActiveStack/gateway/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "GATEWAY"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults and applies environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, gwerrors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = l.mergeFromMap(cfg, raw); err != nil {
			return nil, gwerrors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, gwerrors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, gwerrors.WrapInvalid(err, "Loader", "Load", "validate")
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	if isYAML(path) {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		// Re-encode so the depth check and merge see the same shape as JSON
		if data, err = json.Marshal(raw); err != nil {
			return nil, fmt.Errorf("unsupported YAML structure: %w", err)
		}
	}

	if err := checkNesting(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"CONTROL_CHANNEL", &cfg.Redis.ControlChannel},
		{"SESSION_SECRET", &cfg.Session.Secret},
		{"SHUTDOWN_CODE", &cfg.Cluster.ShutdownCode},
		{"LOG_LEVEL", &cfg.Cluster.LogLevel},
	}
	for _, s := range strs {
		if val, ok, err := l.env(s.key); err != nil {
			return err
		} else if ok {
			*s.dst = val
		}
	}

	if val, ok, err := l.env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = splitList(val)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Frontend.Port},
		{"WORKERS", &cfg.Cluster.Workers},
		{"METRICS_PORT", &cfg.Metrics.Port},
	}
	for _, i := range ints {
		val, ok, err := l.env(i.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, i.key, err)
		}
		*i.dst = n
	}
	return nil
}

// env returns the non-empty value of the prefixed variable
func (l *Loader) env(key string) (string, bool, error) {
	name := l.envPrefix + "_" + key
	val, ok := l.lookupEnv(name)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(name, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// jsonToYAML re-encodes a JSON document as YAML. Integers stay integers
// so they read back into integer fields.
func jsonToYAML(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return yaml.Marshal(normalizeNumbers(raw))
}

func normalizeNumbers(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for k, item := range value {
			value[k] = normalizeNumbers(item)
		}
	case []any:
		for i, item := range value {
			value[i] = normalizeNumbers(item)
		}
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		f, _ := value.Float64()
		return f
	}
	return v
}
