// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

// Loader loads a module's symbols given its name and, for Windows modules,
// the PDB age/GUID identifier string the PE debug directory reports.
// Implementations may return (nil, nil) to mean "no symbols available" as
// opposed to an error, e.g. when download_pdb-style fetching is disabled
// and the file isn't already cached locally.
type Loader interface {
	Load(name, id string) (*ModuleSymbols, error)
}

// Indexer caches ModuleSymbols per module name, loading each module at
// most once even under concurrent lookups: the first caller to ask for a
// given name runs the loader, every concurrent or later caller for the
// same name gets the same result without re-running it. A result of nil
// (no error, no symbols) is cached too, so a module known to be
// unsymbolized is never retried. This mirrors vminer-core's
// SymbolsIndexer, built there on an OnceMap; here it is
// golang.org/x/sync/singleflight plus a sync.Map of already-resolved
// entries.
type Indexer struct {
	logger logr.Logger
	loader Loader

	group singleflight.Group
	cache sync.Map // module name -> *ModuleSymbols (nil = known unavailable)
}

func NewIndexer(logger logr.Logger, loader Loader) *Indexer {
	return &Indexer{
		logger: logger.WithName("symbols-indexer"),
		loader: loader,
	}
}

// LoadModule returns the cached symbols for name, loading them via the
// configured Loader on first request.
func (idx *Indexer) LoadModule(name, id string) (*ModuleSymbols, error) {
	if cached, ok := idx.cache.Load(name); ok {
		ms, _ := cached.(*ModuleSymbols)
		return ms, nil
	}

	result, err, _ := idx.group.Do(name, func() (interface{}, error) {
		ms, err := idx.loader.Load(name, id)
		if err != nil {
			idx.logger.Error(err, "loading module symbols", "module", name)
			return nil, err
		}
		idx.cache.Store(name, ms)
		if ms == nil {
			idx.logger.V(1).Info("no symbols available for module", "module", name)
		}
		return ms, nil
	})
	if err != nil {
		return nil, err
	}
	ms, _ := result.(*ModuleSymbols)
	return ms, nil
}

// LoadFromBytes builds a ModuleSymbols directly from raw module bytes,
// dispatching on the file's magic bytes: ELF ("\x7fELF") goes to the DWARF
// loader, the MSF PDB signature ("Microsoft C/C++") goes to the PDB
// loader, and anything else is tried as a kallsyms-style text dump.
func LoadFromBytes(data []byte) (*ModuleSymbols, error) {
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return LoadELF(data)
	case bytes.HasPrefix(data, []byte("Microsoft C/C++")):
		return loadPDBBytes(data)
	default:
		return LoadKallsyms(data)
	}
}

// LoadFromFile reads path and delegates to LoadFromBytes.
func LoadFromFile(path string) (*ModuleSymbols, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadDir walks dir non-recursively, loading every regular file found as a
// module named after its filename. Used to seed an Indexer's cache from a
// directory of extracted guest modules ahead of time.
func LoadDir(dir string) (map[string]*ModuleSymbols, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	out := make(map[string]*ModuleSymbols, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ms, err := LoadFromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out[e.Name()] = ms
	}
	return out, nil
}
