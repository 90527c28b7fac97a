// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package backend defines the narrow interface a concrete guest source
// (a hypervisor attach, a memory dump reader) must satisfy to drive the
// introspection engine. No concrete backend beyond the in-memory test
// double in pkg/vmitest ships with this module; hypervisor attach and
// dump-file parsing are out of scope, interface only.
package backend

import (
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/vcpu"
)

// Backend pairs a guest's physical memory with its vCPU register state,
// the two primitives every OS personality is built from.
type Backend interface {
	memory.Reader
	vcpu.Reader
}
