// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmerr defines the error taxonomy shared by every introspection
// component: memory access, address translation, vCPU access, and the
// umbrella VmError that wraps them with optional symbol/field/module
// context.
package vmerr

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// MemoryAccessKind distinguishes why a raw memory read or write failed.
type MemoryAccessKind int

const (
	OutOfBounds MemoryAccessKind = iota
	Io
	Unsupported
)

func (k MemoryAccessKind) String() string {
	switch k {
	case OutOfBounds:
		return "out of bounds"
	case Io:
		return "io"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// MemoryAccessError reports a failed physical memory access.
type MemoryAccessError struct {
	Kind MemoryAccessKind
	Err  error
}

func NewMemoryAccessError(kind MemoryAccessKind, err error) *MemoryAccessError {
	return &MemoryAccessError{Kind: kind, Err: err}
}

func (e *MemoryAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory access (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("memory access (%s)", e.Kind)
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// NotMapped indicates a virtual address has no valid page-table mapping.
type NotMappedError struct {
	Reason string
}

func (e *NotMappedError) Error() string {
	if e.Reason == "" {
		return "address not mapped"
	}
	return "address not mapped: " + e.Reason
}

// TranslationError reports a failure translating a guest virtual address to
// a guest physical one. It always wraps either a MemoryAccessError (a page
// table entry itself could not be read) or a NotMappedError (every entry was
// read fine, but the address simply has no mapping).
type TranslationError struct {
	Err error
}

func NewTranslationError(err error) *TranslationError {
	return &TranslationError{Err: err}
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translating address: %v", e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// VcpuErrorKind distinguishes why a vCPU register lookup failed.
type VcpuErrorKind int

const (
	InvalidId VcpuErrorKind = iota
	UnknownRegister
	VcpuUnsupported
)

func (k VcpuErrorKind) String() string {
	switch k {
	case InvalidId:
		return "invalid vcpu id"
	case UnknownRegister:
		return "unknown register"
	case VcpuUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// VcpuError reports a failed vCPU register access.
type VcpuError struct {
	Kind VcpuErrorKind
	Name string
}

func NewVcpuError(kind VcpuErrorKind, name string) *VcpuError {
	return &VcpuError{Kind: kind, Name: name}
}

func (e *VcpuError) Error() string {
	if e.Name == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Name)
}

// VmKind classifies the top-level VmError.
type VmKind int

const (
	Memory VmKind = iota
	Translation
	Vcpu
	MissingSymbol
	MissingField
	MissingModule
	Parse
	Other
)

func (k VmKind) String() string {
	switch k {
	case Memory:
		return "memory"
	case Translation:
		return "translation"
	case Vcpu:
		return "vcpu"
	case MissingSymbol:
		return "missing symbol"
	case MissingField:
		return "missing field"
	case MissingModule:
		return "missing module"
	case Parse:
		return "parse"
	default:
		return "other"
	}
}

// VmError is the umbrella error every exported operation in this module
// returns. It carries the failure kind, an optional name (the symbol,
// field, or module that was missing) and the underlying cause, if any.
type VmError struct {
	Kind VmKind
	Name string
	Err  error
}

func (e *VmError) Error() string {
	switch {
	case e.Name != "" && e.Err != nil:
		return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Name)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *VmError) Unwrap() error { return e.Err }

func MissingSymbolError(name string) *VmError {
	return &VmError{Kind: MissingSymbol, Name: name}
}

func MissingFieldError(field, structName string) *VmError {
	return &VmError{Kind: MissingField, Name: fmt.Sprintf("%s.%s", structName, field)}
}

func MissingModuleError(name string) *VmError {
	return &VmError{Kind: MissingModule, Name: name}
}

func Wrap(kind VmKind, err error) *VmError {
	return &VmError{Kind: kind, Err: err}
}

func WrapMemory(err error) *VmError      { return Wrap(Memory, err) }
func WrapTranslation(err error) *VmError { return Wrap(Translation, err) }
func WrapVcpu(err error) *VmError        { return Wrap(Vcpu, err) }
func WrapParse(err error) *VmError       { return Wrap(Parse, err) }

// NewRetryable mirrors the teacher's RetryableError pattern: a small marker
// interface callers can test for with errors.As to decide whether to back
// off and retry (used by the Windows PDB download path).
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string { return r.text }
func (r *retryableError) Retryable()    {}
