package diag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, []byte("short"), Truncate([]byte("short"), 10))
	assert.Equal(t, "abcde\n...[truncated 3 bytes]", string(Truncate([]byte("abcdefgh"), 5)))
	assert.Equal(t, []byte("unbounded"), Truncate([]byte("unbounded"), 0))
}

func TestMemorySink(t *testing.T) {
	m := &Memory{MaxBytes: 4}
	m.Record("first", []byte("123456"))
	RecordString(m, "second", "ok")

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Label)
	assert.True(t, strings.HasPrefix(string(entries[0].Payload), "1234\n...[truncated"))
	assert.Equal(t, "ok", string(entries[1].Payload))

	m.Reset()
	assert.Empty(t, m.Entries())
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "diag")
	f := NewFile(dir, 8, nil)

	f.Record("mobileapi-response.json", []byte(`{"items":[]}`))
	f.Record("../../escape", []byte("note"))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "001-mobileapi-response.json", files[0].Name())
	assert.Equal(t, "002-escape.txt", files[1].Name())

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"items"`))
	assert.Contains(t, string(data), "truncated 4 bytes")

	f.Reset()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "reset should remove the previous run")

	f.Record("after-reset", []byte("x"))
	files, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "001-after-reset.txt", files[0].Name())
}

func TestFileSinkNeverPanics(t *testing.T) {
	// A file where the directory should be makes every write fail.
	parent := t.TempDir()
	blocker := filepath.Join(parent, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	f := NewFile(blocker, 0, nil)
	assert.NotPanics(t, func() {
		f.Record("label", []byte("payload"))
		f.Reset()
	})
}

func TestContextSink(t *testing.T) {
	assert.IsType(t, Nop{}, FromContext(context.Background()))

	m := &Memory{}
	ctx := NewContext(context.Background(), m)
	FromContext(ctx).Record("x", []byte("y"))
	assert.Len(t, m.Entries(), 1)
}
