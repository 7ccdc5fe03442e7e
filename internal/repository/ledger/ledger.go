// Package ledger tracks which source documents were already ingested.
// The ledger is an append-only file, one source identifier per line, scoped
// per (provider kind, embedding model) so switching providers never reuses
// another provider's progress.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Ledger is a durable set of ingested source identifiers.
type Ledger struct {
	mu   sync.Mutex
	path string
	done map[string]struct{}
}

// Open loads the ledger at path, creating parent directories as needed.
// A missing file is an empty ledger, never an error.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path: path,
		done: make(map[string]struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			l.done[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	return l, nil
}

// Has reports whether a source was already ingested.
func (l *Ledger) Has(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[sourceID]
	return ok
}

// Add records a source as ingested, appending it durably before returning.
// Adding an already-recorded source is a no-op.
func (l *Ledger) Add(sourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.done[sourceID]; ok {
		return nil
	}

	f, err := os.OpenFile(filepath.Clean(l.path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(sourceID + "\n"); err != nil {
		return fmt.Errorf("append ledger %s: %w", l.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger %s: %w", l.path, err)
	}

	l.done[sourceID] = struct{}{}
	return nil
}

// Len returns the number of ingested sources.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}
