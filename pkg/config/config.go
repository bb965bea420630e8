// Package config loads chainkeys settings from an optional YAML file.
//
// The file is named by the --config flag or, failing that, the
// CHAINKEYS_CONFIG environment variable. Without either, defaults apply.
// Values from the file replace defaults field by field; command-line flags
// are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"example.com/chainkeys/pkg/compress"
	"example.com/chainkeys/pkg/crypto/hash"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/keystore"
	"example.com/chainkeys/pkg/seal"
)

// EnvVar names the config file when no path is given.
const EnvVar = "CHAINKEYS_CONFIG"

type Config struct {
	Store StoreConfig `yaml:"store"`
	Seal  SealConfig  `yaml:"seal"`
	Root  RootConfig  `yaml:"root"`
	Log   LogConfig   `yaml:"log"`
}

type StoreConfig struct {
	// Channels is the number of key chains, 1 to 65536.
	Channels int `yaml:"channels"`

	// Hash names the chain hash; see hash.Names.
	Hash string `yaml:"hash"`

	// Allocator is "page" (no-access at rest) or "locked" (memguard).
	Allocator string `yaml:"allocator"`

	// RequireLock fails allocation when pages cannot be mlocked.
	RequireLock bool `yaml:"require_lock"`
}

type SealConfig struct {
	AEAD    string `yaml:"aead"`
	Codec   string `yaml:"codec"`
	MaxStep uint64 `yaml:"max_step"`
}

type RootConfig struct {
	// File holds the root key; it must have mode 0600.
	File string `yaml:"file"`

	// AgeIdentity, when set, decrypts File with these age identities.
	AgeIdentity string `yaml:"age_identity"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Channels:  16,
			Hash:      "sha256",
			Allocator: "page",
		},
		Seal: SealConfig{
			AEAD:    seal.DefaultAEAD,
			Codec:   "none",
			MaxStep: seal.DefaultMaxStep,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path, or the file named by CHAINKEYS_CONFIG when path is
// empty. With neither it returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Store.Channels < 1 || c.Store.Channels > keystore.MaxChannels {
		errs = append(errs, fmt.Errorf("store.channels must be in [1, %d], got %d", keystore.MaxChannels, c.Store.Channels))
	}
	if _, err := hash.Lookup(c.Store.Hash); err != nil {
		errs = append(errs, fmt.Errorf("store.hash must be one of %v", hash.Names()))
	}
	if c.Store.Allocator != "page" && c.Store.Allocator != "locked" {
		errs = append(errs, fmt.Errorf("store.allocator must be page or locked, got %q", c.Store.Allocator))
	}
	if !slices.Contains(seal.AEADNames(), c.Seal.AEAD) {
		errs = append(errs, fmt.Errorf("seal.aead must be one of %v", seal.AEADNames()))
	}
	if _, err := compress.Get(c.Seal.Codec); err != nil {
		errs = append(errs, fmt.Errorf("seal.codec must be one of %v", compress.Names()))
	}
	if c.Seal.MaxStep == 0 {
		errs = append(errs, errors.New("seal.max_step must be positive"))
	}
	if c.Root.AgeIdentity != "" && c.Root.File == "" {
		errs = append(errs, errors.New("root.age_identity requires root.file"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// HashFunc resolves Store.Hash.
func (c *Config) HashFunc() (hash.Func, error) {
	return hash.Lookup(c.Store.Hash)
}

// Allocator resolves Store.Allocator.
func (c *Config) Allocator() guarded.Allocator {
	if c.Store.Allocator == "locked" {
		return guarded.LockedAllocator{}
	}
	return guarded.PageAllocator{RequireLock: c.Store.RequireLock}
}
