// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSuccessIsNil(t *testing.T) {
	r := Default()
	assert.NoError(t, r.Check(0, 0, Write))
}

func TestCheckGenericFailureIgnoresScope(t *testing.T) {
	r := Default()
	err := r.Check(0, 0x02, Write)
	require.Error(t, err)

	var statusErr *Error
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "Invalid Field in Command", statusErr.Code.Label)
	assert.Equal(t, Generic, statusErr.Code.Scope)
}

func TestCheckCommandSpecificUsesScope(t *testing.T) {
	r := Default()
	err := r.Check(1, 0x80, Write)
	require.Error(t, err)

	var statusErr *Error
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "Conflicting Attributes", statusErr.Code.Label)
	assert.Equal(t, Write, statusErr.Code.Scope)
}

func TestCheckUnresolvableTupleIsPlainError(t *testing.T) {
	r := Default()
	err := r.Check(1, 0xFF, Write)
	require.Error(t, err)

	var statusErr *Error
	assert.False(t, errors.As(err, &statusErr), "unresolvable codes are not a *Error")
}

func TestCodeFailure(t *testing.T) {
	assert.False(t, Code{Value: 0}.Failure())
	assert.True(t, Code{Value: 1}.Failure())
}

func TestDefaultRegistryIsASingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestReadAndWriteHaveDistinctConflictingAttributesCodes(t *testing.T) {
	r := Default()

	readErr := r.Check(1, 0x80, Read)
	writeErr := r.Check(1, 0x80, Write)

	var readStatus, writeStatus *Error
	require.True(t, errors.As(readErr, &readStatus))
	require.True(t, errors.As(writeErr, &writeStatus))

	assert.Equal(t, Read, readStatus.Code.Scope)
	assert.Equal(t, Write, writeStatus.Code.Scope)
}
