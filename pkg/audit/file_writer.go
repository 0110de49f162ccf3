package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const (
	// GenesisHash is the HashPrev of the first event in a chain.
	GenesisHash = "sha256:genesis"

	// HashPrefix is prepended to all hash values.
	HashPrefix = "sha256:"
)

// maxLine bounds a single JSONL event.
const maxLine = 1 << 20

// FileWriter appends hash-chained events to a JSONL file.
type FileWriter struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	path     string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending. An existing log is continued from
// its last hash.
func NewFileWriter(path string) (*FileWriter, error) {
	lastHash := GenesisHash
	events, err := ReadEvents(path)
	switch {
	case err == nil && len(events) > 0:
		last := events[len(events)-1]
		if last.Hash == "" {
			return nil, fmt.Errorf("last event in %s has no hash", path)
		}
		lastHash = last.Hash
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read existing audit log: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileWriter{file: file, lastHash: lastHash, path: path}, nil
}

// Write chains, appends, and fsyncs one event.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("audit log %s is closed", w.path)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	event.HashPrev = w.lastHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	event.Hash = calculateHash(canonical, w.lastHash)

	line, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	w.lastHash = event.Hash
	return nil
}

// Close syncs and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LastHash returns the hash of the last written event.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// Path returns the log file path.
func (w *FileWriter) Path() string {
	return w.path
}

// calculateHash computes SHA256(data || prevHash).
func calculateHash(data []byte, prevHash string) string {
	h := sha256.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte(prevHash))
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// ReadEvents parses every event of a JSONL audit log. Blank lines are
// skipped.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return events, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan error: %w", err)
	}
	return events, nil
}

// Tail returns the last n events of the log, or all when n <= 0.
func Tail(path string, n int) ([]Event, error) {
	events, err := ReadEvents(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// VerifyChain checks the hash chain of a log and returns the number of
// valid events before the first break.
func VerifyChain(path string) (int, error) {
	events, err := ReadEvents(path)
	if err != nil {
		return len(events), fmt.Errorf("failed to read audit log: %w", err)
	}

	expectedPrev := GenesisHash
	for i := range events {
		e := &events[i]
		if e.HashPrev != expectedPrev {
			return i, fmt.Errorf("event %d (%s): hash chain broken: expected prev=%s, got prev=%s",
				i+1, e.ID, expectedPrev, e.HashPrev)
		}
		canonical, err := e.CanonicalJSON()
		if err != nil {
			return i, fmt.Errorf("event %d: failed to serialize: %w", i+1, err)
		}
		if calc := calculateHash(canonical, e.HashPrev); e.Hash != calc {
			return i, fmt.Errorf("event %d (%s): hash mismatch: expected=%s, got=%s", i+1, e.ID, calc, e.Hash)
		}
		expectedPrev = e.Hash
	}
	return len(events), nil
}
