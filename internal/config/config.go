// Package config loads runtime configuration from defaults, an optional
// YAML file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/labstack/gommon/bytes"

	"github.com/onexay/project-vs/internal/registry"
)

// RegistryBackend enumerates supported registry persistence layers.
type RegistryBackend string

const (
	// RegistryBackendMemory keeps data in-process.
	RegistryBackendMemory RegistryBackend = "memory"
	// RegistryBackendKeyDB persists data to KeyDB/Redis.
	RegistryBackendKeyDB RegistryBackend = "keydb"
)

const maxConfigFileSize = 1024 * 1024

// DefaultBodyLimit caps request bodies, matching the JSON limit of the
// original node service.
const DefaultBodyLimit = "50M"

// Config aggregates runtime configuration.
type Config struct {
	APIAddr   string
	BodyLimit string
	Storage   StorageConfig
	Templates TemplatesConfig
	Registry  RegistryConfig
	Share     ShareConfig
	Log       LogConfig
}

// StorageConfig locates project trees on disk.
type StorageConfig struct {
	Root   string
	Author string
}

// TemplatesConfig locates custom template bundles.
type TemplatesConfig struct {
	Dir string
}

// RegistryConfig contains backend selection and nested settings.
type RegistryConfig struct {
	Backend RegistryBackend
	KeyDB   registry.Config
}

// ShareConfig controls share links.
type ShareConfig struct {
	TTL time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
}

var defaults = map[string]any{
	"api.addr":         ":8080",
	"api.body_limit":   DefaultBodyLimit,
	"storage.root":     "data/projects",
	"storage.author":   "project-vs",
	"templates.dir":    "data/templates",
	"registry.backend": string(RegistryBackendMemory),
	"keydb.addr":       "",
	"keydb.username":   "",
	"keydb.password":   "",
	"keydb.db":         0,
	"share.ttl":        registry.DefaultShareTTL.String(),
	"log.level":        "info",
	"log.format":       "json",
}

// envKeys maps environment variables onto configuration keys.
var envKeys = map[string]string{
	"API_ADDR":         "api.addr",
	"API_BODY_LIMIT":   "api.body_limit",
	"STORAGE_ROOT":     "storage.root",
	"STORAGE_AUTHOR":   "storage.author",
	"TEMPLATES_DIR":    "templates.dir",
	"REGISTRY_BACKEND": "registry.backend",
	"KEYDB_ADDR":       "keydb.addr",
	"KEYDB_USERNAME":   "keydb.username",
	"KEYDB_PASSWORD":   "keydb.password",
	"KEYDB_DB":         "keydb.db",
	"SHARE_TTL":        "share.ttl",
	"LOG_LEVEL":        "log.level",
	"LOG_FORMAT":       "log.format",
}

// Load reads configuration. path names an optional YAML file; an empty path
// or a missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return Config{}, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	shareTTL, err := time.ParseDuration(k.String("share.ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid share.ttl: %w", err)
	}

	cfg := Config{
		APIAddr:   k.String("api.addr"),
		BodyLimit: k.String("api.body_limit"),
		Storage: StorageConfig{
			Root:   k.String("storage.root"),
			Author: k.String("storage.author"),
		},
		Templates: TemplatesConfig{Dir: k.String("templates.dir")},
		Registry: RegistryConfig{
			Backend: RegistryBackend(strings.ToLower(k.String("registry.backend"))),
			KeyDB: registry.Config{
				Addr:     k.String("keydb.addr"),
				Username: k.String("keydb.username"),
				Password: k.String("keydb.password"),
				Database: k.Int("keydb.db"),
			},
		},
		Share: ShareConfig{TTL: shareTTL},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Registry.Backend {
	case RegistryBackendMemory, RegistryBackendKeyDB:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Share.TTL <= 0 {
		return fmt.Errorf("share.ttl must be positive")
	}
	if n, err := bytes.Parse(c.BodyLimit); err != nil || n <= 0 {
		return fmt.Errorf("invalid api.body_limit %q", c.BodyLimit)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return content, nil
}
