package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/markis/dify-relay/internal/config"
)

// credentialsFile maps API hosts to keys, e.g.
//
//	{"dify.example.com": {"api_key": "app-..."}}
const credentialsFile = "credentials.json"

// configPath determines the configuration directory that may hold a credentials file.
func configPath() (string, error) {
	// Try XDG config first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if isValidDir(xdg) {
			return xdg, nil
		}
	}

	// Windows-specific paths
	if runtime.GOOS == "windows" {
		if path := os.Getenv("LOCALAPPDATA"); isValidDir(path) {
			return path, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config")
	if isValidDir(configDir) {
		return configDir, nil
	}

	return "", errors.New("no valid config path found")
}

// isValidDir checks if a given path is a valid directory.
func isValidDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readJSONFile reads a JSON file and unmarshals it into the provided variable.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

// ResolveAPIKey finds the API key for cfg: the environment first, then the
// configuration, then the credentials file entry for the chat URL's host.
func ResolveAPIKey(cfg config.Dify) (string, error) {
	if key := os.Getenv(config.EnvAPIKey); key != "" {
		return key, nil
	}
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}

	configDir, err := configPath()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingAPIKey, err)
	}

	var hosts map[string]any
	if err := readJSONFile(filepath.Join(configDir, "dify-relay", credentialsFile), &hosts); err != nil {
		return "", ErrMissingAPIKey
	}

	if key := extractAPIKey(hosts, hostOf(cfg.ChatURL)); key != "" {
		return key, nil
	}
	return "", ErrMissingAPIKey
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// extractAPIKey picks the key stored for host.
func extractAPIKey(hosts map[string]any, host string) string {
	if host == "" {
		return ""
	}

	data, ok := hosts[host].(map[string]any)
	if !ok {
		return ""
	}

	if key, ok := data["api_key"].(string); ok && key != "" {
		return key
	}
	return ""
}
