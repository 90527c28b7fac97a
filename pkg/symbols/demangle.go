// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Demangle returns a human-readable form of a mangled symbol name, trying
// each scheme this module understands in turn and falling back to the raw
// name if none applies. This mirrors the original symbol database's
// demangle_to chain (Rust legacy, then Itanium C++, then MSVC), minus the
// MSVC step: no Go MSVC demangler exists anywhere in this module's
// dependency set, so `?`-prefixed MSVC names are returned unmodified.
func Demangle(name string) string {
	// Itanium C++ mangled names, which is also the scheme "legacy" Rust
	// symbols use (rustc emits _ZN...17h<hash>E, valid Itanium grammar with
	// an extra hash component at the end).
	if strings.HasPrefix(name, "_Z") {
		if out, err := demangle.ToString(name, demangle.NoClones); err == nil {
			return stripRustHash(out)
		}
	}
	// "v0" Rust mangling, introduced as an alternative to the legacy scheme.
	if strings.HasPrefix(name, "_R") {
		if out, err := demangle.ToString(name); err == nil {
			return out
		}
	}
	return name
}

// stripRustHash trims the trailing "::h<16 hex digits>" disambiguator
// legacy rustc mangling appends to every symbol, which Itanium demanglers
// have no notion of and leave inline as a fake namespace component.
func stripRustHash(demangled string) string {
	const marker = "::h"
	idx := strings.LastIndex(demangled, marker)
	if idx < 0 {
		return demangled
	}
	suffix := demangled[idx+len(marker):]
	if len(suffix) != 16 {
		return demangled
	}
	for _, c := range suffix {
		if !isHexDigit(byte(c)) {
			return demangled
		}
	}
	return demangled[:idx]
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
