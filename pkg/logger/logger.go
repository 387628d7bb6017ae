// Package logger provides component-tagged logging for meshgram.
//
// Every subsystem logs through a short component tag ("mesh", "router",
// "telegram", ...) so a single bridge log stays greppable per concern.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog levels for callers that don't want to import it.
type Level int8

const (
	DEBUG Level = Level(zerolog.DebugLevel)
	INFO  Level = Level(zerolog.InfoLevel)
	WARN  Level = Level(zerolog.WarnLevel)
	ERROR Level = Level(zerolog.ErrorLevel)
)

var (
	mu  sync.RWMutex
	log = newConsoleLogger(os.Stderr)
)

func newConsoleLogger(w io.Writer) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).With().Timestamp().Logger()
}

// SetLevel sets the global minimum level.
func SetLevel(l Level) {
	zerolog.SetGlobalLevel(zerolog.Level(l))
}

// TeeFile keeps console output and duplicates it into the given file.
func TeeFile(f *os.File) {
	mu.Lock()
	defer mu.Unlock()
	log = newConsoleLogger(zerolog.MultiLevelWriter(os.Stderr, f))
}

func event(level zerolog.Level, component string) *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.WithLevel(level).Str("component", component)
}

func DebugC(component, msg string) { event(zerolog.DebugLevel, component).Msg(msg) }
func InfoC(component, msg string)  { event(zerolog.InfoLevel, component).Msg(msg) }
func WarnC(component, msg string)  { event(zerolog.WarnLevel, component).Msg(msg) }
func ErrorC(component, msg string) { event(zerolog.ErrorLevel, component).Msg(msg) }

func DebugCF(component, msg string, fields map[string]any) {
	event(zerolog.DebugLevel, component).Fields(fields).Msg(msg)
}

func InfoCF(component, msg string, fields map[string]any) {
	event(zerolog.InfoLevel, component).Fields(fields).Msg(msg)
}

func WarnCF(component, msg string, fields map[string]any) {
	event(zerolog.WarnLevel, component).Fields(fields).Msg(msg)
}

func ErrorCF(component, msg string, fields map[string]any) {
	event(zerolog.ErrorLevel, component).Fields(fields).Msg(msg)
}
