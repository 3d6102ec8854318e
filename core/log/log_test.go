// log_test.go - Logging backend tests.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	lvl, err := ParseLevel("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestBackendLevels(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	b, err := NewWithWriter(&buf, "NOTICE")
	require.NoError(err)

	l := b.GetLogger("detour/test-levels")
	l.Debug("hidden")
	l.Noticef("shown %d", 1)

	out := buf.String()
	require.NotContains(out, "hidden")
	require.Contains(out, "NOTI detour/test-levels: shown 1")
}

func TestLogWriter(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	b, err := NewWithWriter(&buf, "DEBUG")
	require.NoError(err)

	w := b.GetLogWriter("detour/test-writer", "WARNING")
	_, err = w.Write([]byte("first\nsecond\n"))
	require.NoError(err)
	require.Equal(2, strings.Count(buf.String(), "WARN detour/test-writer"))
}

func TestFileBackendRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "detour.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	b.GetLogger("detour/test-rotate").Info("before")
	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	b.GetLogger("detour/test-rotate").Info("after")

	rotated, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(rotated), "before")

	current, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(current), "after")
	require.NotContains(string(current), "before")
}
