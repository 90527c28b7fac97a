// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package oswindows

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUIDPath formats a PE module's CodeView debug GUID and age into the
// identifier string symbol servers and the local symbol-store layout both
// use: the GUID's 32 hex digits (uppercase, no dashes) immediately
// followed by the age as a bare hex number, e.g.
// "3844DBB920174967BCBE604FB69242B31".
func GUIDPath(guid uuid.UUID, age uint32) string {
	hex := strings.ToUpper(strings.ReplaceAll(guid.String(), "-", ""))
	return fmt.Sprintf("%s%X", hex, age)
}

// ParseCodeViewGUID decodes the 16-byte little-endian GUID layout the PE
// CodeView debug directory entry stores (Data1/Data2/Data3 are
// little-endian; Data4 is 8 raw bytes), returning the RFC 4122 big-endian
// form google/uuid works with.
func ParseCodeViewGUID(raw [16]byte) uuid.UUID {
	var be [16]byte
	be[0], be[1], be[2], be[3] = raw[3], raw[2], raw[1], raw[0]
	be[4], be[5] = raw[5], raw[4]
	be[6], be[7] = raw[7], raw[6]
	copy(be[8:], raw[8:])
	return uuid.UUID(be)
}
