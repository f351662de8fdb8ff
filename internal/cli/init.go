// Package cli holds the keys-file management used by `concourse init`.
// Keys are appended, never rewritten, so rotating a project's key means
// adding a new one and removing the old line by hand. The file also pins
// the localhost bypass policy the first time it is written, which keeps a
// later `concourse serve` from silently widening access.
package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]projectKeys `yaml:"projects"`
}

type projectKeys struct {
	Keys []string `yaml:"keys"`
}

// InitKeysFile generates a fresh API key for projectKey and appends it to
// the keys file, creating the file when missing. Returns the new key.
func InitKeysFile(path, projectKey string) (string, error) {
	path = strings.TrimSpace(path)
	projectKey = strings.TrimSpace(projectKey)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if projectKey == "" {
		return "", fmt.Errorf("project key required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]projectKeys)
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	pk := cfg.Projects[projectKey]
	pk.Keys = append(pk.Keys, key)
	cfg.Projects[projectKey] = pk
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
