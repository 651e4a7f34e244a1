// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirLockExcludesSecondHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	l, err := AcquireDirLock(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, LockFileName), l.Path())

	pid, err := ReadPID(l.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = AcquireDirLock(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, os.Getpid(), locked.PID)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	again, err := AcquireDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestDirLockIgnoresStaleFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), []byte("999999\n"), 0o600))

	l, err := AcquireDirLock(dir)
	require.NoError(t, err)
	defer l.Release()
	pid, err := ReadPID(l.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestDirLockRejectsWorldWritableDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o777))
	_, err := AcquireDirLock(dir)
	assert.True(t, errors.Is(err, ErrUnsafeDirectory))
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pid")

	_, err := ReadPID(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))
	_, err = ReadPID(path)
	assert.True(t, errors.Is(err, ErrInvalidPID))

	require.NoError(t, os.WriteFile(path, []byte("-4\n"), 0o600))
	_, err = ReadPID(path)
	assert.True(t, errors.Is(err, ErrInvalidPID))
}
