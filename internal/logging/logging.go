// Package logging configures the process-wide logrus logger and provides the
// Gin middleware that ties HTTP request logging and panic recovery into it.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls global logger setup.
type Options struct {
	// Level is one of debug/verbose, info, warn/warning, error, quiet/silent.
	Level string
	// File, when set, duplicates log output into a size-rotated file.
	File string
}

// Setup applies the global logrus configuration. Console output always stays
// on; the rotating file writer is added alongside it when a path is given.
func Setup(opts Options) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	SetLogLevel(opts.Level)

	out := io.Writer(os.Stderr)
	if opts.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	log.SetOutput(out)
}

// SetLogLevel maps a human-friendly level name onto the logrus level.
// Unknown names fall back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
