package config

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/texty/internal/lsp"
)

// FileName is the config file looked up in the user config directory.
const FileName = "config.toml"

// Config is texty's complete configuration.
type Config struct {
	Log     Log               `toml:"log"`
	LSP     LSP               `toml:"lsp"`
	Servers map[string]Server `toml:"servers"`
}

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn or error.
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// File receives log output. Empty means the default state file;
	// "-" means stderr.
	File string `toml:"file"`
}

// LSP holds the language-server timings shared by every session.
type LSP struct {
	RequestTimeout  Duration `toml:"request_timeout"`
	StartTimeout    Duration `toml:"start_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	Debounce        Duration `toml:"debounce"`
	RecoverDegraded bool     `toml:"recover_degraded"`
	CacheEntries    int64    `toml:"cache_entries"`
}

// Server describes how to run the language server for one language.
// Fields left out of a [servers.<language>] table keep their built-in value.
type Server struct {
	Disabled              bool              `toml:"disabled"`
	Command               string            `toml:"command"`
	Args                  []string          `toml:"args"`
	Env                   map[string]string `toml:"env"`
	RootMarkers           []string          `toml:"root_markers"`
	InitializationOptions map[string]any    `toml:"initialization_options"`
	Settings              map[string]any    `toml:"settings"`
}

// Duration is a time.Duration written as a string such as "750ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	svc := lsp.DefaultServiceConfig()
	cfg := &Config{
		Log: Log{Level: "info", Format: "text"},
		LSP: LSP{
			RequestTimeout:  Duration{svc.RequestTimeout},
			StartTimeout:    Duration{svc.StartTimeout},
			ShutdownTimeout: Duration{svc.ShutdownTimeout},
			Debounce:        Duration{svc.Debounce},
			RecoverDegraded: svc.RecoverDegraded,
			CacheEntries:    svc.CacheEntries,
		},
		Servers: make(map[string]Server, len(svc.Servers)),
	}
	for id, sc := range svc.Servers {
		cfg.Servers[id] = Server{
			Command:     sc.Command,
			Args:        slices.Clone(sc.Args),
			Env:         maps.Clone(sc.Env),
			RootMarkers: slices.Clone(sc.RootMarkers),
			Settings:    maps.Clone(sc.Settings),
		}
	}
	return cfg
}

// DefaultPath returns ~/.config/texty/config.toml, or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(dir, "texty", FileName)
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig is the on-disk shape. Log and LSP are pre-filled with
// defaults so absent keys keep them.
type fileConfig struct {
	Log     Log               `toml:"log"`
	LSP     LSP               `toml:"lsp"`
	Servers map[string]Server `toml:"servers"`
}

// Parse decodes TOML data over the defaults. source names the data in
// errors. Unknown keys are rejected.
func Parse(source string, data []byte) (*Config, error) {
	cfg := Default()
	f := fileConfig{Log: cfg.Log, LSP: cfg.LSP}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, parseError(source, err)
	}

	cfg.Log = f.Log
	cfg.LSP = f.LSP
	for id, s := range f.Servers {
		cfg.Servers[id] = mergeServer(cfg.Servers[id], s)
	}
	return cfg, nil
}

func parseError(source string, err error) error {
	pe := &ParseError{Path: source, Message: err.Error(), Err: err}
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		pe.Line, pe.Column = derr.Position()
		return pe
	}
	var serr *toml.StrictMissingError
	if errors.As(err, &serr) && len(serr.Errors) > 0 {
		first := serr.Errors[0]
		pe.Line, pe.Column = first.Position()
		pe.Message = "unknown key " + strings.Join(first.Key(), ".")
	}
	return pe
}

// mergeServer overlays the fields set in override onto base.
func mergeServer(base, override Server) Server {
	out := base
	out.Disabled = override.Disabled
	if override.Command != "" {
		out.Command = override.Command
		// A new command makes the built-in args meaningless.
		out.Args = nil
	}
	if override.Args != nil {
		out.Args = override.Args
	}
	if override.Env != nil {
		out.Env = override.Env
	}
	if override.RootMarkers != nil {
		out.RootMarkers = override.RootMarkers
	}
	if override.InitializationOptions != nil {
		out.InitializationOptions = override.InitializationOptions
	}
	if override.Settings != nil {
		out.Settings = override.Settings
	}
	return out
}

var validLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate checks values that parsed but cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, &ValidationError{Path: "log.level", Message: "unknown level", Value: c.Log.Level})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, &ValidationError{Path: "log.format", Message: `must be "text" or "json"`, Value: c.Log.Format})
	}
	durations := []struct {
		path string
		d    Duration
	}{
		{"lsp.request_timeout", c.LSP.RequestTimeout},
		{"lsp.start_timeout", c.LSP.StartTimeout},
		{"lsp.shutdown_timeout", c.LSP.ShutdownTimeout},
		{"lsp.debounce", c.LSP.Debounce},
	}
	for _, d := range durations {
		if d.d.Duration < 0 {
			errs = append(errs, &ValidationError{Path: d.path, Message: "must not be negative", Value: d.d})
		}
	}
	if c.LSP.CacheEntries < 0 {
		errs = append(errs, &ValidationError{Path: "lsp.cache_entries", Message: "must not be negative", Value: c.LSP.CacheEntries})
	}
	for _, id := range slices.Sorted(maps.Keys(c.Servers)) {
		s := c.Servers[id]
		if !s.Disabled && s.Command == "" {
			errs = append(errs, &ValidationError{Path: "servers." + id + ".command", Message: "required unless disabled", Value: s.Command})
		}
	}
	return errors.Join(errs...)
}

// ServerConfigs converts the enabled server tables to session definitions.
func (c *Config) ServerConfigs() map[string]lsp.ServerConfig {
	out := make(map[string]lsp.ServerConfig, len(c.Servers))
	for id, s := range c.Servers {
		if s.Disabled {
			continue
		}
		sc := lsp.ServerConfig{
			LanguageID:  id,
			Command:     s.Command,
			Args:        slices.Clone(s.Args),
			Env:         maps.Clone(s.Env),
			RootMarkers: slices.Clone(s.RootMarkers),
			Settings:    maps.Clone(s.Settings),
		}
		if s.InitializationOptions != nil {
			sc.InitializationOptions = maps.Clone(s.InitializationOptions)
		}
		out[id] = sc
	}
	return out
}

// ServiceConfig converts the configuration to the LSP service settings.
func (c *Config) ServiceConfig() lsp.ServiceConfig {
	return lsp.ServiceConfig{
		Servers:         c.ServerConfigs(),
		RequestTimeout:  c.LSP.RequestTimeout.Duration,
		StartTimeout:    c.LSP.StartTimeout.Duration,
		ShutdownTimeout: c.LSP.ShutdownTimeout.Duration,
		Debounce:        c.LSP.Debounce.Duration,
		RecoverDegraded: c.LSP.RecoverDegraded,
		CacheEntries:    c.LSP.CacheEntries,
	}
}
