// Package results persists measurement output: an append-only CSV log of
// elapsed-time/current pairs with run metadata, and an optional sqlite
// repository for whole runs.
package results

import (
	"fmt"
	"os"
	"strconv"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/measure"
)

const logPerm = 0o644

// Log is an append-only text result log. Every sample becomes one
// "elapsedSeconds,currentAmps" line; metadata lines wrap the run.
type Log struct {
	f *os.File
}

// OpenLog opens (or creates) the result log for appending.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logPerm)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrStorageAccess, err).WithData(path)
	}
	return &Log{f: f}, nil
}

// Meta appends one key/value metadata line.
func (l *Log) Meta(key, value string) error {
	if _, err := fmt.Fprintf(l.f, "%s,%s\n", key, value); err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}

// Sample appends one measurement line.
func (l *Log) Sample(s measure.Sample) error {
	line := strconv.FormatFloat(s.Seconds(), 'g', -1, 64) + "," +
		strconv.FormatFloat(s.Current, 'g', -1, 64) + "\n"
	if _, err := l.f.WriteString(line); err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	if err := l.f.Close(); err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}
