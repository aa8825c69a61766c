package cache

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// RenameEntry is one detected move: where the path was, where it went,
// and the remote id that moved. The log exists for audit and debugging;
// nothing replays it.
type RenameEntry struct {
	OldPath  string
	NewPath  string
	RemoteID string
}

// AppendRename appends one move to the plain-text rename log. The format
// is one "old -> new -> id" line per move, append-only; a crashed run
// leaves at most a complete prefix of its moves.
func AppendRename(logPath string, e RenameEntry) error {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open rename log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s -> %s -> %s\n", e.OldPath, e.NewPath, e.RemoteID); err != nil {
		return fmt.Errorf("failed to append to rename log: %w", err)
	}
	return nil
}

// ReadRenames parses the rename log. A missing log means no moves yet.
// Malformed lines are skipped rather than failing the read: the log is
// advisory, and a partial line can only come from a torn write at crash.
func ReadRenames(logPath string) ([]RenameEntry, error) {
	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open rename log: %w", err)
	}
	defer f.Close()

	var entries []RenameEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), " -> ")
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, RenameEntry{
			OldPath:  parts[0],
			NewPath:  parts[1],
			RemoteID: parts[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rename log: %w", err)
	}
	return entries, nil
}
