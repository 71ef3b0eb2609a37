package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/pidfile"
)

func TestCleanupReleasesPIDFileAndFlushesLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "onsd.log")
	pidPath := filepath.Join(dir, "onsd.pid")

	logger := logx.NewLoggerWithFile("info", "onsd-test", logx.FileOptions{Path: logPath})
	pf := pidfile.New(pidPath)
	require.NoError(t, pf.Acquire())

	logger.Error("Daemon failed", "error", "boom")
	cleanup(pf, logger)

	_, err := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Daemon failed")

	cleanup(pf, logger)
}

func TestCleanupLogsForeignPIDFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "onsd.log")
	pidPath := filepath.Join(dir, "onsd.pid")

	logger := logx.NewLoggerWithFile("info", "onsd-test", logx.FileOptions{Path: logPath})
	pf := pidfile.New(pidPath)
	require.NoError(t, pf.Acquire())
	require.NoError(t, os.WriteFile(pidPath, []byte("1\n"), 0o644))

	cleanup(pf, logger)

	_, err := os.Stat(pidPath)
	assert.NoError(t, err, "a file owned by another process is left alone")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Failed to remove PID file")
}
