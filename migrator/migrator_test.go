// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package migrator

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"20240102T000000Z.sql": {Data: []byte("CREATE TABLE b ();")},
		"20240101T000000Z.sql": {Data: []byte("CREATE TABLE a ();")},
		"README.md":            {Data: []byte("not a migration")},
		"sub/20240103.sql":     {Data: []byte("ignored")},
	}

	ms, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.Equal(t, "20240101T000000Z", ms[0].Version)
	assert.Equal(t, "CREATE TABLE a ();", ms[0].SQL)
	assert.Equal(t, "20240102T000000Z", ms[1].Version)
}

func TestMigrations_Pending(t *testing.T) {
	ms := Migrations{
		{Version: "1"},
		{Version: "2"},
		{Version: "3"},
	}

	pending := ms.Pending(map[string]struct{}{"2": {}})
	require.Len(t, pending, 2)
	assert.Equal(t, "1", pending[0].Version)
	assert.Equal(t, "3", pending[1].Version)

	assert.Empty(t, ms.Pending(map[string]struct{}{"1": {}, "2": {}, "3": {}}))
}
