package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	l, err := NewAuditLogger(dir, zerolog.Nop())
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, l.Log(AuditEntry{RequestID: "r1", Backend: "pkcs12", Alias: "alice", Documents: []string{"d1", "d2"}, Status: StatusSigned}))
	require.NoError(t, l.Log(AuditEntry{RequestID: "r2", Backend: "pkcs12", Status: StatusFailed, ErrorKind: "Cancelled", Error: "cancelled by user"}))

	entries, err = l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2026-03-01T10:00:00Z", entries[0].Timestamp)
	assert.Equal(t, []string{"d1", "d2"}, entries[0].Documents)
	assert.Equal(t, StatusFailed, entries[1].Status)
	assert.Equal(t, "Cancelled", entries[1].ErrorKind)

	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAuditLoggerSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewAuditLogger(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, l.Log(AuditEntry{RequestID: "ok-1", Status: StatusSigned}))
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, l.Log(AuditEntry{RequestID: "ok-2", Status: StatusRejected}))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ok-1", entries[0].RequestID)
	assert.Equal(t, "ok-2", entries[1].RequestID)
}
