package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/index"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func seedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	c, err := index.OpenCatalog(dir, index.CatalogOptions{})
	require.NoError(t, err)
	_, err = c.Create(index.Definition{Name: "by_n", Kind: index.KindField, Field: "n", Order: 4})
	require.NoError(t, err)
	for i := int64(0); i < 30; i++ {
		_, err := c.Insert(codec.NewObjectValue(codec.F("n", codec.NewInt64Value(i%7))))
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())
	return dir
}

func TestInspectCommand(t *testing.T) {
	dir := seedDir(t)
	out, err := run(t, "inspect", filepath.Join(dir, "by_n.idx"))
	require.NoError(t, err)
	assert.Contains(t, out, "kind:       field")
	assert.Contains(t, out, "entries:    7")
	assert.Contains(t, out, "xxhash64:")
}

func TestCompactCommand(t *testing.T) {
	dir := seedDir(t)
	out, err := run(t, "compact", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "by_n: ")

	out, err = run(t, "inspect", filepath.Join(dir, "by_n.idx"))
	require.NoError(t, err)
	assert.Contains(t, out, "0 garbage")

	_, err = run(t, "compact")
	assert.Error(t, err)
}

func TestExportCommand(t *testing.T) {
	dir := seedDir(t)
	target := filepath.Join(t.TempDir(), "by_n.export")
	_, err := run(t, "export", filepath.Join(dir, "by_n.idx"), "-o", target)
	require.NoError(t, err)
	assert.FileExists(t, target)
}
