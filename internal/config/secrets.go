package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var errSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(configDir(), "secrets.json")
}

// secretsFile reads and writes tokens kept outside config.json with 0600
// permissions.
type secretsFile struct {
	path string
}

func (s secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return m, nil
}

func (s secretsFile) Get(account string) (string, error) {
	m, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := m[account]
	if !ok {
		return "", errSecretNotFound
	}
	return v, nil
}

func (s secretsFile) Set(account, value string) error {
	m, err := s.read()
	if err != nil {
		return err
	}
	m[account] = value
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
