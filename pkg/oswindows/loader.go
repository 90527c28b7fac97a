// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package oswindows implements the uniform OS API for a Windows guest:
// EPROCESS/ETHREAD list traversal, VAD tree walking, and a pluggable PDB
// symbol loader that persists downloaded symbols under the standard
// <root>/<name>/<id>/<name> symbol-store layout.
package oswindows

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/vmi/pkg/symbols"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// SymbolLoader satisfies symbols.Loader, resolving a module's PDB from a
// local cache directory, falling back to an HTTP symbol server when the
// file isn't already present and downloading is enabled. This mirrors the
// original Windows SymbolLoader: check <root>/<name>/<id>/<name> on disk
// first, download and persist only if asked to.
type SymbolLoader struct {
	logger      logr.Logger
	root        string
	urlBase     string
	downloadPDB bool
	httpClient  *http.Client
}

// NewSymbolLoader creates a loader rooted at root (created if missing),
// fetching from urlBase when a PDB isn't cached locally and downloadPDB is
// true. An empty urlBase defaults to Microsoft's public symbol server.
func NewSymbolLoader(logger logr.Logger, root, urlBase string, downloadPDB bool) (*SymbolLoader, error) {
	if urlBase == "" {
		urlBase = "https://msdl.microsoft.com/download/symbols"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating symbol cache root: %w", err)
	}
	return &SymbolLoader{
		logger:      logger.WithName("pdb-loader"),
		root:        root,
		urlBase:     urlBase,
		downloadPDB: downloadPDB,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

var _ symbols.Loader = (*SymbolLoader)(nil)

// Load implements symbols.Loader. id is the module's debug GUID and age,
// already formatted as the uppercase hex string the symbol store path
// convention expects (see GUIDPath).
func (l *SymbolLoader) Load(name, id string) (*symbols.ModuleSymbols, error) {
	path := filepath.Join(l.root, name, id, name)

	if data, err := os.ReadFile(path); err == nil {
		return symbols.LoadFromBytes(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading cached PDB %s: %w", path, err)
	}

	if !l.downloadPDB {
		return nil, nil
	}

	data, err := l.download(name, id)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		l.logger.Error(err, "failed to create PDB cache directory", "path", path)
	} else if err := os.WriteFile(path, data, 0o644); err != nil {
		l.logger.Error(err, "failed to write PDB to cache", "path", path)
	}

	return symbols.LoadFromBytes(data)
}

// download fetches a PDB from the configured symbol server, retrying
// transient failures with an exponential backoff the way a network client
// talking to a public, rate-limited symbol server should.
func (l *SymbolLoader) download(name, id string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s/%s", l.urlBase, name, id, name)
	l.logger.Info("downloading PDB", "name", name, "url", url)

	op := func() ([]byte, error) {
		resp, err := l.httpClient.Get(url)
		if err != nil {
			return nil, vmerr.NewRetryable(fmt.Sprintf("fetching %s: %v", url, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, backoff.Permanent(fmt.Errorf("symbol server has no PDB for %s/%s", name, id))
		}
		if resp.StatusCode >= 500 {
			return nil, vmerr.NewRetryable(fmt.Sprintf("symbol server returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("symbol server returned %d for %s", resp.StatusCode, url))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, vmerr.NewRetryable(fmt.Sprintf("reading response body: %v", err))
		}
		return body, nil
	}

	data, err := backoff.Retry(context.Background(), op,
		backoff.WithMaxTries(4),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, fmt.Errorf("downloading PDB for %s: %w", name, err)
	}
	return data, nil
}
