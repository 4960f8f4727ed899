package logger

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init configures the global logrus logger from LOG_LEVEL and LOG_FORMAT.
// It is safe to call multiple times; later calls overwrite previous settings.
func Init() {
	Configure(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Configure applies output, level ("info" by default) and format ("text" or "json").
func Configure(out io.Writer, level, format string) {
	log.SetOutput(out)

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// L returns the global logger for convenience.
func L() *log.Logger { return log.StandardLogger() }

// Post returns an entry tagged with the source channel and message id.
func Post(sourceID int64, messageID int) *log.Entry {
	return log.WithFields(log.Fields{
		"source":     sourceID,
		"message_id": messageID,
	})
}
