// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel, David Stainton.
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "onion.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	l := b.GetLoggerf("circuit:%d", 7)
	l.Noticef("extended to %s", "hop2")
	l.Debug("debug record")

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "circuit:7: extended to hop2")
	require.Contains(string(raw), "debug record")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	b.GetLogger("rotated").Warning("after rotate")

	raw, err = os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "rotated: after rotate")
}

func TestBackendLevel(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "onion.log")
	b, err := New(f, "warning", false)
	require.NoError(err)

	b.GetLogger("quiet").Info("suppressed")
	b.GetGoLogger("http", "ERROR").Print("from net/http")

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.NotContains(string(raw), "suppressed")
	require.Contains(string(raw), "from net/http")

	_, err = New("", "LOUD", false)
	require.Error(err)
	require.False(ValidLevel("LOUD"))
	require.True(ValidLevel("notice"))
}
