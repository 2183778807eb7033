package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ConfigBackend abstracts config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "clipwatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "clipwatch")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "clipwatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "clipwatch")
}

// FilePath returns the path of the JSON config file.
func FilePath() string {
	if p := os.Getenv("CLIPWATCH_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.json")
}

// fileBackend stores config as a flat JSON object keyed by dotted key names.
type fileBackend struct {
	mu   sync.Mutex
	path string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (f *fileBackend) load() (map[string]any, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func (f *fileBackend) save(m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	// Write then rename so watchers never see a truncated file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *fileBackend) GetString(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	default:
		return fmt.Sprint(t), true, nil
	}
}

func (f *fileBackend) GetInt(key string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return int(t), true, nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false, fmt.Errorf("key %s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("key %s: expected number, got %T", key, v)
	}
}

func (f *fileBackend) SetString(key, val string) error {
	return f.update(func(m map[string]any) { m[key] = val })
}

func (f *fileBackend) SetInt(key string, val int) error {
	return f.update(func(m map[string]any) { m[key] = val })
}

func (f *fileBackend) Delete(key string) error {
	return f.update(func(m map[string]any) { delete(m, key) })
}

func (f *fileBackend) update(fn func(map[string]any)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	fn(m)
	return f.save(m)
}
