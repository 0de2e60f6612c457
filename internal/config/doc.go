// Package config loads texty's settings.
//
// Settings come from a single TOML file, normally
// ~/.config/texty/config.toml, layered over built-in defaults and then
// overridden by environment variables:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← TEXTY_LOG_LEVEL, TEXTY_LSP_*
//	├─────────────────────────────┤
//	│  2. config.toml             │
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// The file has three kinds of tables:
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[lsp]
//	request_timeout = "5s"
//	debounce = "100ms"
//
//	[servers.go]
//	command = "gopls"
//	args = ["serve"]
//	root_markers = ["go.work", "go.mod"]
//
//	[servers.go.settings.gopls]
//	staticcheck = true
//
// A [servers.<language>] table replaces the built-in definition for that
// language. Setting command = "" disables the language.
//
// # Live Reload
//
// Watcher follows the file with fsnotify and hands every successfully
// parsed revision to its callback, so server definitions can be swapped
// without restarting the editor.
package config
