package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CrankEntry records the outcome of a single crank: one delivery of a
// run-queue entry (send, notify, gc-drop, or gc-retire) to a vat.
type CrankEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	CrankID    string    `json:"crank_id"`
	Kind       string    `json:"kind"`
	VatID      string    `json:"vat_id"`
	Target     string    `json:"target"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	SyscallsIn int       `json:"syscalls_in,omitempty"`
}

// CrankLog records crank outcomes for operators: a console line per crank
// plus an optional newline-delimited JSON file for offline replay/audit.
// Separate from Op(), which is for daemon lifecycle and error logging.
type CrankLog struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultCrankLog = &CrankLog{enabled: true, console: true}

// DefaultCrankLog returns the process-wide crank log.
func DefaultCrankLog() *CrankLog {
	return defaultCrankLog
}

// SetOutput directs crank records to a newline-delimited JSON file in
// addition to any console output.
func (l *CrankLog) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables or disables the human-readable console line.
func (l *CrankLog) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Record logs a completed crank.
func (l *CrankLog) Record(entry *CrankEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		fmt.Printf("[crank] %s %s %s->%s %dms %s\n",
			entry.CrankID, entry.Kind, entry.VatID, entry.Target, entry.DurationMs, status)
		if entry.Error != "" {
			fmt.Printf("[crank]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close releases the backing file, if any.
func (l *CrankLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
