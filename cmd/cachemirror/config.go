// Config loading for the cachemirror CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/cachemirror/cachemirror/internal/paths"
	"github.com/cachemirror/cachemirror/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyVersion = "rs.version"
	cfgKeyHost    = "rs.host"
	cfgKeyPort    = "rs.port"
	cfgKeyDBPath  = "db.path"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# cachemirror configuration

rs:
  # Client revision sent in the update handshake.
  # version: 210

  # Upstream update server.
  # host: example.invalid
  # port: 43594

db:
  # SQLite database path (optional; overridable by --db flag)
  # path:
`

// loadConfig resolves the config directory, reads config.yaml with
// viper, applies flag overrides, and validates the result.
func loadConfig() (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(flagConfigDir)
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}

	v, err := readConfigFile(configDir)
	if err != nil {
		return types.Config{}, err
	}

	cfg := types.Config{
		Version: v.GetInt(cfgKeyVersion),
		Host:    v.GetString(cfgKeyHost),
		Port:    v.GetInt(cfgKeyPort),
	}

	if flagVersion != 0 {
		cfg.Version = flagVersion
	}
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}

	cfg.DBPath, err = paths.ResolveDBPath(flagDB, v.GetString(cfgKeyDBPath))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve database path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// readConfigFile reads config.yaml from configDir, creating the
// directory and a commented default file on first run. A missing file is
// not an error.
func readConfigFile(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyPort, types.DefaultPort)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	return v, nil
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
