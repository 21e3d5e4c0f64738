package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPIDFile(t *testing.T) *PIDFile {
	t.Helper()
	return NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))
}

func TestPIDFile_RoundTrip(t *testing.T) {
	pf := newPIDFile(t)

	require.NoError(t, pf.WritePID(12345))

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	// The temp file from the atomic write must not linger.
	_, err = os.Stat(pf.Path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_WriteRecordsCurrentProcess(t *testing.T) {
	pf := newPIDFile(t)

	require.NoError(t, pf.Write())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_ReadMissing(t *testing.T) {
	pf := newPIDFile(t)

	_, err := pf.Read()
	assert.Error(t, err)
}

func TestPIDFile_ReadGarbage(t *testing.T) {
	pf := newPIDFile(t)
	require.NoError(t, os.WriteFile(pf.Path, []byte("not-a-number\n"), 0o644))

	_, err := pf.Read()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_Remove(t *testing.T) {
	pf := newPIDFile(t)
	require.NoError(t, pf.WritePID(1))

	require.NoError(t, pf.Remove())

	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))

	// Removing again errors: the file is gone.
	assert.Error(t, pf.Remove())
}

func TestIsRunning_CurrentProcess(t *testing.T) {
	pf := newPIDFile(t)
	require.NoError(t, pf.Write())

	pid, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestIsRunning_DeadProcess(t *testing.T) {
	pf := newPIDFile(t)
	// A PID far above any real process on the test machine.
	require.NoError(t, pf.WritePID(999999))

	pid, running := pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestIsRunning_NoFile(t *testing.T) {
	pf := newPIDFile(t)

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)
}

func TestSignal_ZeroProbesOwnProcess(t *testing.T) {
	pf := newPIDFile(t)
	require.NoError(t, pf.Write())

	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}

func TestSignal_NoFile(t *testing.T) {
	pf := newPIDFile(t)

	err := pf.Signal(syscall.Signal(0))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")
}
