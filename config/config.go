package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"nftmarket/crypto"
)

// Config is the daemon configuration. DataDir empty means the node database
// stays in memory.
type Config struct {
	DataDir        string `toml:"DataDir"`
	GenesisFile    string `toml:"GenesisFile"`
	JournalFile    string `toml:"JournalFile"`
	KeyFile        string `toml:"KeyFile"`
	LogEnv         string `toml:"LogEnv"`
	LogFile        string `toml:"LogFile"`
	MetricsAddress string `toml:"MetricsAddress"`
	ScenarioFile   string `toml:"ScenarioFile"`
	Pauses         Pauses `toml:"Pauses"`
}

// Pauses holds the operator kill-switches, one per native module.
type Pauses struct {
	Token  bool `toml:"Token"`
	Market bool `toml:"Market"`
}

// IsPaused reports whether the named module is paused, satisfying the pause
// view the engines consult.
func (p Pauses) IsPaused(module string) bool {
	switch strings.ToLower(strings.TrimSpace(module)) {
	case "token":
		return p.Token
	case "market":
		return p.Market
	default:
		return false
	}
}

// Load loads the configuration from the given path, creating a default config
// and operator key on first run. Unknown keys are rejected so a typo cannot
// silently disable a setting.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := ensureKeyFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(path, cfg)
	return cfg, nil
}

func applyDefaults(configPath string, cfg *Config) {
	dir := filepath.Dir(configPath)
	if strings.TrimSpace(cfg.JournalFile) == "" {
		cfg.JournalFile = filepath.Join(dir, "journal.db")
	}
	if strings.TrimSpace(cfg.LogEnv) == "" {
		cfg.LogEnv = "local"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
}

func ensureKeyFile(configPath string, cfg *Config) error {
	keyPath := cfg.KeyFile
	if keyPath == "" {
		keyPath = defaultKeyFilePath(configPath)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveKeyFile(keyPath, key); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeyFile != keyPath {
		cfg.KeyFile = keyPath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file alongside a
// fresh operator key.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keyPath := defaultKeyFilePath(path)
	if err := crypto.SaveKeyFile(keyPath, key); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        "",
		GenesisFile:    "",
		JournalFile:    "",
		KeyFile:        keyPath,
		LogEnv:         "local",
		MetricsAddress: ":9464",
	}
	applyDefaults(path, cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeyFilePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.key")
}
