package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates structured fields for a single log call, the way
// the rest of this module's packages build up a logrus.Entry.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger starts a LoggerHelper tagged with the calling function's name.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

// WithFields merges additional fields into the logger.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError attaches error details to the logger.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

// Debug logs a debug-level message with the accumulated fields.
func (l *LoggerHelper) Debug(message string) {
	logrus.WithFields(l.fields).Debug(message)
}

// Warn logs a warning-level message with the accumulated fields.
func (l *LoggerHelper) Warn(message string) {
	logrus.WithFields(l.fields).Warn(message)
}

// SecureFieldHash previews sensitive data for logging: at most the first 8
// bytes, hex-encoded, plus the full length. Never logs the complete secret.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		previewLen := 8
		if len(data) < previewLen {
			previewLen = len(data)
		}
		preview = fmt.Sprintf("%x", data[:previewLen])
		if len(data) > previewLen {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
