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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "measured.pid")
	pf := NewPIDFile(path)

	require.NoError(t, pf.Acquire(1234))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	require.NoError(t, pf.Release())
	assert.NoFileExists(t, path)
	assert.NoError(t, pf.Release())
}

func TestPIDFile_HeldByLiveDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measured.pid")
	first := NewPIDFile(path)
	require.NoError(t, first.Acquire(1234))
	defer first.Release()

	err := NewPIDFile(path).Acquire(5678)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	pid, err := first.Read()
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
}

func TestPIDFile_ReplacesStaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead pid", "999999999\n"},
		{"garbage", "not-a-pid\n"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "measured.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			pf := NewPIDFile(path)
			require.NoError(t, pf.Acquire(4321))
			defer pf.Release()

			pid, err := pf.Read()
			require.NoError(t, err)
			assert.Equal(t, 4321, pid)
		})
	}
}

func TestPIDFile_Read(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		invalid bool
	}{
		{name: "valid", content: "9999\n", want: 9999},
		{name: "whitespace", content: "  1234  \n", want: 1234},
		{name: "non-numeric", content: "abc\n", invalid: true},
		{name: "negative", content: "-123\n", invalid: true},
		{name: "zero", content: "0\n", invalid: true},
		{name: "float", content: "123.45\n", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "measured.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			pid, err := NewPIDFile(path).Read()
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidPID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}

	_, err := NewPIDFile(filepath.Join(t.TempDir(), "missing.pid")).Read()
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_UnsafeDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.Chmod(dir, 0o777))

	err := NewPIDFile(filepath.Join(dir, "measured.pid")).Acquire(1)
	assert.ErrorIs(t, err, ErrUnsafeDirectory)

	require.NoError(t, os.Chmod(dir, 0o777|os.ModeSticky))
	pf := NewPIDFile(filepath.Join(dir, "measured.pid"))
	assert.NoError(t, pf.Acquire(1))
	pf.Release()
}
