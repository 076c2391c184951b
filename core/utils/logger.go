package utils

import (
	"log"
	"os"
)

// Logger is a minimal leveled logger. A nil Logger is safe to call.
type Logger struct {
	std *log.Logger
}

func NewLogger() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags|log.LUTC)}
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf("INFO "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf("WARN "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf("ERROR "+format, args...)
}
