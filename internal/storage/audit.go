// Package storage keeps the local audit trail of signing attempts.
package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Audit statuses.
const (
	StatusSigned   = "signed"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

type AuditEntry struct {
	Timestamp       string   `json:"timestamp"`
	RequestID       string   `json:"requestId"`
	Server          string   `json:"server,omitempty"`
	Backend         string   `json:"backend"`
	Alias           string   `json:"alias,omitempty"`
	CertFingerprint string   `json:"certFingerprint,omitempty"`
	Documents       []string `json:"documents,omitempty"`
	Status          string   `json:"status"`
	ErrorKind       string   `json:"errorKind,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// AuditLogger appends entries to audit.jsonl in its directory.
type AuditLogger struct {
	mu       sync.Mutex
	filePath string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewAuditLogger(dir string, logger zerolog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &AuditLogger{
		filePath: filepath.Join(dir, "audit.jsonl"),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (l *AuditLogger) Path() string {
	return l.filePath
}

func (l *AuditLogger) Log(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = l.now().UTC().Format(time.RFC3339)
	l.logger.Debug().Str("request", entry.RequestID).Str("status", entry.Status).Msg("audit entry")

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// ReadAll returns every readable entry. Corrupt lines are skipped.
func (l *AuditLogger) ReadAll() ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	entries := []AuditEntry{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			l.logger.Warn().Err(err).Int("line", line).Msg("skipping corrupt audit entry")
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("failed to read audit file: %w", err)
	}
	return entries, nil
}
