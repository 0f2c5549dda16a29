package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
)

// EnvConfigFile overrides the config file location.
const EnvConfigFile = "CHATFLOW_CONFIG"

// xdgDir resolves an XDG base directory, falling back to fallback under $HOME.
func xdgDir(env, fallback string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, fallback), true
}

func defaultDataDir() string {
	dir, ok := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if !ok {
		return "chatflow-data"
	}
	return filepath.Join(dir, "chatflow")
}

// ConfigFilePath returns the config file in use: $CHATFLOW_CONFIG, or
// $XDG_CONFIG_HOME/chatflow/config.json.
func ConfigFilePath() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "chatflow", "config.json")
}

// fileBackend keeps config as one flat JSON object keyed by dotted names,
// e.g. {"server.port": 4100}. A missing or unreadable file reads as empty.
type fileBackend struct {
	path   string
	values map[string]any
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path, values: readValues(path)}
}

func readValues(path string) map[string]any {
	values := map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return values
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
		return values
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		slog.Warn("config file is not a JSON object, using defaults", "path", path, "error", err)
		return map[string]any{}
	}
	return values
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	var text string
	switch n := v.(type) {
	case json.Number:
		text = n.String()
	case string:
		text = n
	default:
		return 0, true, fmt.Errorf("%s: expected an integer, got %T", key, v)
	}
	i, err := strconv.Atoi(text)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, text)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.values[key] = val
	return b.flush()
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.flush()
}

// flush rewrites the file through a temp file in the same directory.
func (b *fileBackend) flush() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}
