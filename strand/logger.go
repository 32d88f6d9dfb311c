package strand

import (
	"fmt"
	"log"
)

// Field is a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// F creates a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the logging seam used by the runtime for events that have no
// other outlet (unhandled failures, dispatcher shutdown). Implementations can
// bridge to any logging backend.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// DefaultLogger writes through the standard log package.
type DefaultLogger struct{}

func NewDefaultLogger() *DefaultLogger { return &DefaultLogger{} }

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.log("DEBUG", msg, fields...) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.log("INFO", msg, fields...) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.log("WARN", msg, fields...) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.log("ERROR", msg, fields...) }

func (l *DefaultLogger) log(level, msg string, fields ...Field) {
	out := fmt.Sprintf("[%s] %s", level, msg)
	if len(fields) > 0 {
		out += " {"
		for i, f := range fields {
			if i > 0 {
				out += ", "
			}
			out += fmt.Sprintf("%s: %v", f.Key, f.Value)
		}
		out += "}"
	}
	log.Println(out)
}

// NoOpLogger discards everything. It is the default.
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}
