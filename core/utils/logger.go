package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

type Logger struct {
	std *log.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{std: log.New(w, "", log.LstdFlags|log.LUTC)}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	_ = l.std.Output(2, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	_ = l.std.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}

// Fatalf logs and exits the process; deferred calls do not run.
func (l *Logger) Fatalf(format string, args ...any) {
	if l != nil {
		_ = l.std.Output(2, "FATAL "+fmt.Sprintf(format, args...))
	}
	os.Exit(1)
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
