package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logrus builds component loggers sharing one level and output.
type Logrus struct {
	level  string
	output io.Writer
	logger *logrus.Logger
}

// NewLogrus creates a new logrus factory. Unknown levels fall back to info.
func NewLogrus(level string, output io.Writer) *Logrus {
	log := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(output)

	return &Logrus{level: level, output: output, logger: log}
}

// Get returns an entry tagged with the component name.
func (l *Logrus) Get(context string) *logrus.Entry {
	return l.logger.WithFields(logrus.Fields{
		"Context": context,
	})
}

// Discard returns an entry that drops everything. Handy in tests.
func Discard() *logrus.Entry {
	return NewLogrus("panic", io.Discard).Get("discard")
}
