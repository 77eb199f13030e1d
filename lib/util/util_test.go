package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	name   string
	order  *[]string
	closed int
	err    error
}

func (c *countingCloser) Close() error {
	c.closed++
	if c.order != nil {
		*c.order = append(*c.order, c.name)
	}
	return c.err
}

func TestUserHome(t *testing.T) {
	home := UserHome()
	require.NotEmpty(t, home)
	_, err := os.Stat(home)
	assert.NoError(t, err)
}

func TestEnsureDirAndCheckFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	assert.False(t, CheckFileExists(dir))
	require.NoError(t, EnsureDir(dir))
	assert.True(t, CheckFileExists(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestCloseAll(t *testing.T) {
	ok := &countingCloser{}
	failing := &countingCloser{err: errors.New("boom")}
	RegisterCloser(ok)
	RegisterCloser(failing)

	CloseAll()
	assert.Equal(t, 1, ok.closed)
	assert.Equal(t, 1, failing.closed)

	CloseAll()
	assert.Equal(t, 1, ok.closed, "closers run once")
}

func TestCloseAllReleasesNewestFirst(t *testing.T) {
	var order []string
	RegisterCloser(&countingCloser{name: "store", order: &order})
	RegisterCloser(&countingCloser{name: "index", order: &order})
	RegisterCloser(&countingCloser{name: "cache", order: &order, err: errors.New("boom")})

	CloseAll()
	assert.Equal(t, []string{"cache", "index", "store"}, order)
}
