// Package msglog appends bridged traffic to plain text files, one line
// per message, for after-the-fact auditing. Logging is best effort:
// write failures are reported once per call site via the logger and
// never block the bridge.
package msglog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Direction tags who produced a logged line.
type Direction string

const (
	// DirIn is traffic arriving from the mesh.
	DirIn Direction = "IN"
	// DirOut is traffic sent toward the mesh.
	DirOut Direction = "OUT"
	// DirBot is an automatic reply generated by the bridge itself.
	DirBot Direction = "BOT"
)

// Writer appends message lines to a general and a private log file
// inside dir. A nil Writer (or empty dir) discards everything, so
// callers never need to branch on whether logging is enabled.
type Writer struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) *Writer {
	if dir == "" {
		return nil
	}
	return &Writer{dir: dir}
}

// General logs a broadcast-channel message.
func (w *Writer) General(dir Direction, who, text string) error {
	return w.append("general.log", dir, who, text)
}

// Private logs a direct message.
func (w *Writer) Private(dir Direction, who, text string) error {
	return w.append("private.log", dir, who, text)
}

func (w *Writer) append(file string, dir Direction, who, text string) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("%s [%s] %s: %s\n",
		time.Now().Format("2006-01-02 15:04:05"), dir, who, text)
	_, err = f.WriteString(line)
	return err
}
