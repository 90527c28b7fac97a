// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmi holds the configuration type for an introspection session.
package vmi

// Config holds the options an introspection session is configured with,
// whether it attaches to symbols on disk or downloads them on demand. No
// package in this module reads a Config: the OS personalities use their
// own fixed list-walk bound, and SymbolLoader takes its cache root and
// server URL as constructor arguments.
type Config struct {
	// PDBCacheDir is the root directory Windows PDB downloads are persisted
	// under, following the <root>/<name>/<id>/<name> symbol-store layout.
	PDBCacheDir string
	// SymbolSearchPaths are additional directories to check for a module's
	// symbols (ELF debug info, kallsyms dumps, PDBs) before falling back to
	// a network download.
	SymbolSearchPaths []string
	// MaxListWalkIterations is a bound for list/tree traversals
	// (task_struct lists, EPROCESS lists, VAD trees) so a corrupted guest
	// can't hang a walk; its default equals the fixed bound the OS
	// personalities apply.
	MaxListWalkIterations int
	// DefaultSymbolServerURL is used when downloading a Windows PDB and no
	// override is configured.
	DefaultSymbolServerURL string
}

// DefaultConfig returns the configuration new sessions start from.
func DefaultConfig() Config {
	return Config{
		PDBCacheDir:            "./symbols",
		SymbolSearchPaths:      nil,
		MaxListWalkIterations:  1 << 20,
		DefaultSymbolServerURL: "https://msdl.microsoft.com/download/symbols",
	}
}

// ApplyDefaults fills zero-value fields of c from DefaultConfig, leaving
// any field the caller already set untouched.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.PDBCacheDir == "" {
		c.PDBCacheDir = defaults.PDBCacheDir
	}
	if c.MaxListWalkIterations == 0 {
		c.MaxListWalkIterations = defaults.MaxListWalkIterations
	}
	if c.DefaultSymbolServerURL == "" {
		c.DefaultSymbolServerURL = defaults.DefaultSymbolServerURL
	}
}
