package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("10.1.2.3:80"))
	assert.Error(t, validateAddr("8.8.8.8:80"))
	assert.Error(t, validateAddr("localhost:80"))
	assert.Error(t, validateAddr("127.0.0.1"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "relay.pid")

	require.NoError(t, savePid(name, 42))
	content, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "42", string(content))

	// the running test process holds it.
	require.NoError(t, os.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0600))
	assert.Error(t, savePid(name, 43))

	require.NoError(t, os.WriteFile(name, []byte("garbage"), 0600))
	assert.Error(t, savePid(name, 43))
}

func TestProfiler(t *testing.T) {
	dir := t.TempDir()
	p := StartProfiler(dir)
	p.Stop()
	p.Stop()

	dumpGoroutines(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(profiles)+1)
}
