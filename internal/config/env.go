package config

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// envMapping maps environment variables to setting paths.
var envMapping = map[string]string{
	"TEXTY_LOG_LEVEL":            "log.level",
	"TEXTY_LOG_FORMAT":           "log.format",
	"TEXTY_LOG_FILE":             "log.file",
	"TEXTY_LSP_REQUEST_TIMEOUT":  "lsp.request_timeout",
	"TEXTY_LSP_START_TIMEOUT":    "lsp.start_timeout",
	"TEXTY_LSP_SHUTDOWN_TIMEOUT": "lsp.shutdown_timeout",
	"TEXTY_LSP_DEBOUNCE":         "lsp.debounce",
	"TEXTY_LSP_RECOVER_DEGRADED": "lsp.recover_degraded",
	"TEXTY_LSP_CACHE_ENTRIES":    "lsp.cache_entries",
}

// EnvVars returns the supported environment variable names.
func EnvVars() []string {
	return slices.Sorted(maps.Keys(envMapping))
}

// ApplyEnv overrides settings from environment variables read through
// lookup, normally os.LookupEnv. An empty value counts as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for env, path := range envMapping {
		val, ok := lookup(env)
		if !ok {
			continue
		}
		if err := c.set(path, strings.TrimSpace(val)); err != nil {
			return &ValidationError{Path: env, Message: err.Error(), Value: val}
		}
	}
	return nil
}

// set assigns a string value to the setting at path.
func (c *Config) set(path, val string) error {
	switch path {
	case "log.level":
		c.Log.Level = strings.ToLower(val)
	case "log.format":
		c.Log.Format = strings.ToLower(val)
	case "log.file":
		c.Log.File = val
	case "lsp.request_timeout":
		return setDuration(&c.LSP.RequestTimeout, val)
	case "lsp.start_timeout":
		return setDuration(&c.LSP.StartTimeout, val)
	case "lsp.shutdown_timeout":
		return setDuration(&c.LSP.ShutdownTimeout, val)
	case "lsp.debounce":
		return setDuration(&c.LSP.Debounce, val)
	case "lsp.recover_degraded":
		b, err := parseBool(val)
		if err != nil {
			return err
		}
		c.LSP.RecoverDegraded = b
	case "lsp.cache_entries":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		c.LSP.CacheEntries = n
	}
	return nil
}

// setDuration accepts Go duration syntax or a bare number of milliseconds.
func setDuration(d *Duration, val string) error {
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	return d.UnmarshalText([]byte(val))
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return strconv.ParseBool(s)
}
