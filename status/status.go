// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package status is the NVMe status code registry: the generic status
// code table every command shares (Status Code Type 0) plus the
// per-command tables that only apply when a completion reports a
// non-generic status code type. Ported from
// lone.nvme.spec.commands.status_codes, which keys codes by (value,
// owning Python class); this port keys them by (value, Scope) since Go
// has no runtime class-as-map-key equivalent.
package status

import (
	"fmt"
	"sync"
)

// Scope identifies which command (or "generic", for codes any command
// can report) a status code table entry belongs to.
type Scope string

const (
	Generic Scope = "generic"

	CreateIOSubmissionQueue Scope = "create_io_sq"
	CreateIOCompletionQueue Scope = "create_io_cq"
	DeleteIOSubmissionQueue Scope = "delete_io_sq"
	DeleteIOCompletionQueue Scope = "delete_io_cq"
	FormatNVM               Scope = "format_nvm"
	GetLogPage              Scope = "get_log_page"
	Identify                Scope = "identify"
	Read                    Scope = "read"
	Write                   Scope = "write"
	Flush                   Scope = "flush"
)

// Code is one registered status code: its raw value, a human-readable
// label, and the scope it was registered under.
type Code struct {
	Value uint8
	Label string
	Scope Scope
}

// Failure reports whether this code represents anything other than
// Successful Completion.
func (c Code) Failure() bool {
	return c.Value != 0
}

func (c Code) String() string {
	return c.Label
}

// Registry is a (value, scope)-keyed status code table.
type Registry struct {
	mu    sync.RWMutex
	codes map[registryKey]Code
}

type registryKey struct {
	value uint8
	scope Scope
}

// NewRegistry builds an empty registry. Use Default for the
// process-wide, fully populated table; NewRegistry is exposed mainly for
// tests that want an isolated table.
func NewRegistry() *Registry {
	return &Registry{codes: make(map[registryKey]Code)}
}

// Add registers one or more codes, overwriting any existing entry at the
// same (value, scope) key.
func (r *Registry) Add(codes ...Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range codes {
		r.codes[registryKey{c.Value, c.Scope}] = c
	}
}

// Lookup resolves a status code given the completion's status code type:
// sct == 0 (Generic) resolves against the Generic scope regardless of
// what the caller passed as scope; any other sct resolves against the
// command-specific scope.
func (r *Registry) Lookup(sct uint8, sc uint8, scope Scope) (Code, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lookupScope := scope
	if sct == 0 {
		lookupScope = Generic
	}

	c, ok := r.codes[registryKey{sc, lookupScope}]
	if !ok {
		return Code{}, fmt.Errorf("status: no code registered for value 0x%02x in scope %q", sc, lookupScope)
	}
	return c, nil
}

// Error is the typed error Check returns for a non-successful completion.
type Error struct {
	Code  Code
	Scope Scope
}

func (e *Error) Error() string {
	return fmt.Sprintf("SF.SC: 0x%02x %q scope: %s", e.Code.Value, e.Code.Label, e.Scope)
}

// Check resolves the completion's status and returns nil for Successful
// Completion (sct == 0 && sc == 0), or a *Error otherwise. An unresolvable
// (sct, sc, scope) tuple is itself returned as a plain error, distinct
// from a resolved *Error.
func (r *Registry) Check(sct, sc uint8, scope Scope) error {
	if sct == 0 && sc == 0 {
		return nil
	}

	code, err := r.Lookup(sct, sc, scope)
	if err != nil {
		return err
	}
	return &Error{Code: code, Scope: scope}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, built once and populated
// with every generic and command-specific status code this driver knows
// about. Guarded with sync.Once per the spec's resolution of Open
// Question (d): a single shared table, not one rebuilt (and
// re-duplicated) on every controller instantiation.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
		defaultReg.Add(genericCodes...)
		defaultReg.Add(createIOSQCodes...)
		defaultReg.Add(createIOCQCodes...)
		defaultReg.Add(deleteIOSQCodes...)
		defaultReg.Add(deleteIOCQCodes...)
		defaultReg.Add(formatNVMCodes...)
		defaultReg.Add(getLogPageCodes...)
		defaultReg.Add(readCodes...)
		defaultReg.Add(writeCodes...)
	})
	return defaultReg
}

var genericCodes = []Code{
	{0x00, "Successful Completion", Generic},
	{0x01, "Invalid Command Opcode", Generic},
	{0x02, "Invalid Field in Command", Generic},
	{0x03, "Command ID Conflict", Generic},
	{0x04, "Data Transfer Error", Generic},
	{0x05, "Commands Aborted due to Power Loss Notification", Generic},
	{0x06, "Internal Error", Generic},
	{0x07, "Command Abort Requested", Generic},
	{0x08, "Command Aborted due to SQ Deletion", Generic},
	{0x09, "Command Aborted due to Failed Fused Command", Generic},
	{0x0A, "Command Aborted due to Missing Fused Command", Generic},
	{0x0B, "Invalid Namespace or Format", Generic},
	{0x0C, "Command Sequence Error", Generic},
	{0x0D, "Invalid SGL Segment Descriptor", Generic},
	{0x0E, "Invalid Number of SGL Descriptors", Generic},
	{0x0F, "Data SGL Length Invalid", Generic},
	{0x10, "Metadata SGL Length Invalid", Generic},
	{0x11, "SGL Descriptor Type Invalid", Generic},
	{0x12, "Invalid Use of Controller Memory Buffer", Generic},
	{0x13, "PRP Offset Invalid", Generic},
	{0x14, "Atomic Write Unit Exceeded", Generic},
	{0x15, "Operation Denied", Generic},
	{0x16, "SGL Offset Invalid", Generic},
	{0x18, "Host Identifier Inconsistent Format", Generic},
	{0x19, "Keep Alive Timer Expired", Generic},
	{0x1A, "Keep Alive Timeout Invalid", Generic},
	{0x1B, "Command Aborted due to Preempt and Abort", Generic},
	{0x1C, "Sanitize Failed", Generic},
	{0x1D, "Sanitize In Progress", Generic},
	{0x1E, "SGL Data Block Granularity Invalid", Generic},
	{0x1F, "Command Not Supported for Queue in CMB", Generic},
	{0x20, "Namespace is Write Protected", Generic},
	{0x21, "Command Interrupted", Generic},
	{0x22, "Transient Transport Error", Generic},
	{0x23, "Command Prohibited by Command and Feature Lockdown", Generic},
	{0x24, "Admin Command Media Not Ready", Generic},
	{0x80, "LBA Out of Range", Generic},
	{0x81, "Capacity Exceeded", Generic},
	{0x82, "Namespace Not Ready", Generic},
	{0x83, "Reservation Conflict", Generic},
	{0x84, "Format In Progress", Generic},
	{0x85, "Invalid Value Size", Generic},
	{0x86, "Invalid Key Size", Generic},
	{0x87, "KV Key Does Not Exist", Generic},
	{0x88, "Unrecovered Error", Generic},
	{0x89, "Key Exists", Generic},
}

var createIOSQCodes = []Code{
	{0x00, "Completion Queue Invalid", CreateIOSubmissionQueue},
	{0x01, "Invalid Queue Identifier", CreateIOSubmissionQueue},
	{0x02, "Invalid Queue Size", CreateIOSubmissionQueue},
}

var createIOCQCodes = []Code{
	{0x01, "Invalid Queue Identifier", CreateIOCompletionQueue},
	{0x02, "Invalid Queue Size", CreateIOCompletionQueue},
	{0x03, "Invalid Interrupt Vector", CreateIOCompletionQueue},
}

var deleteIOSQCodes = []Code{
	{0x01, "Invalid Queue Identifier", DeleteIOSubmissionQueue},
}

var deleteIOCQCodes = []Code{
	{0x01, "Invalid Queue Identifier", DeleteIOCompletionQueue},
	{0x0C, "Invalid Queue Deletion", DeleteIOCompletionQueue},
}

var formatNVMCodes = []Code{
	{0x0A, "Invalid Format", FormatNVM},
	{0x0C, "Command Sequence Error", FormatNVM},
	{0x15, "Operation Denied", FormatNVM},
	{0x20, "Namespace Write Protected", FormatNVM},
	{0x86, "Access Denied", FormatNVM},
}

var getLogPageCodes = []Code{
	{0x09, "Invalid Log Page", GetLogPage},
	{0x29, "I/O Command Set Not Supported", GetLogPage},
}

var readCodes = []Code{
	{0x80, "Conflicting Attributes", Read},
	{0x81, "Invalid Protection Information", Read},
}

var writeCodes = []Code{
	{0x20, "Namespace Write Protected", Write},
	{0x80, "Conflicting Attributes", Write},
	{0x81, "Invalid Protection Information", Write},
	{0x82, "Attempted Write to Read Only Range", Write},
}
