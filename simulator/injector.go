// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

import (
	"sync"
	"time"
)

// Injector is a fault-injection token a test installs into a running
// Simulator to make its next register-change pass misbehave in a specific
// way, grounded on nvsim's injectors dict (a plain name -> object lookup the
// register-change handlers poll every pass). Ack is flipped by the handler
// once it has acted on the token, so a test can wait for the injected
// condition to actually take hold before asserting on it.
type Injector struct {
	Name string
	Ack  bool

	// TimeoutSeconds is read by IgnoreNVMeRegChanges.
	TimeoutSeconds float64
	// StatusCode is read by FailCommand.
	StatusCode uint8

	armedAt time.Time
}

// Expired reports whether TimeoutSeconds have elapsed since this injector
// was armed. An injector with TimeoutSeconds == 0 never expires on its own.
func (i *Injector) Expired() bool {
	if i.TimeoutSeconds <= 0 {
		return false
	}
	return time.Since(i.armedAt) > time.Duration(i.TimeoutSeconds*float64(time.Second))
}

const (
	// IgnoreNVMeRegChanges makes the NVMe register observer stop reacting
	// to CC/doorbell changes for TimeoutSeconds, simulating a controller
	// that has wedged.
	IgnoreNVMeRegChanges = "IgnoreNVMeRegChanges"
	// FailCommand makes the next command drained from any submission
	// queue complete immediately with StatusCode instead of being
	// dispatched to its handler.
	FailCommand = "FailCommand"
	// SetCFS sets CSTS.CFS on the next register-change pass, simulating a
	// fatal controller error.
	SetCFS = "SetCFS"
)

// Injectors is the set of currently-armed injectors, keyed by name. Only one
// instance of a given name can be armed at a time, matching the original's
// single-slot-per-name dict.
type Injectors struct {
	mu    sync.Mutex
	armed map[string]*Injector
}

// NewInjectors builds an empty set.
func NewInjectors() *Injectors {
	return &Injectors{armed: make(map[string]*Injector)}
}

// Arm installs an injector, replacing any previously armed one of the same
// name.
func (i *Injectors) Arm(inj *Injector) {
	i.mu.Lock()
	defer i.mu.Unlock()
	inj.armedAt = time.Now()
	i.armed[inj.Name] = inj
}

// Get returns the currently armed injector of the given name, if any.
func (i *Injectors) Get(name string) *Injector {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.armed[name]
}

// Disarm removes an injector once it no longer applies.
func (i *Injectors) Disarm(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.armed, name)
}
