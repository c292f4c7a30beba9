// Package logging builds the process logger: human readable text on the console
// and, optionally, JSON lines in a rotating log file.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimestampFormat is used by both the console and the file output
const TimestampFormat = "2006-01-02 15:04:05.000"

// Options configures New
type Options struct {
	// Level is a logrus level name; it wins over Verbose
	Level   string
	Verbose bool
	// File enables the rotating JSON log file when set
	File   string
	Output io.Writer
}

// New creates a configured logger. The returned hook is nil when no log file was requested.
func New(opts Options) (*logrus.Logger, *FileHook) {
	logger := logrus.New()
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	}

	// Set timestamp format with milliseconds
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: TimestampFormat,
	})

	logger.SetLevel(logrus.InfoLevel)
	if opts.Level != "" {
		if level, err := logrus.ParseLevel(opts.Level); err == nil {
			logger.SetLevel(level)
		} else {
			logger.Warnf("Unknown log level %q, using info", opts.Level)
		}
	} else if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if opts.File == "" {
		return logger, nil
	}
	hook := NewFileHook(opts.File)
	logger.AddHook(hook)
	return logger, hook
}

// FromEnv reads LOG_LEVEL and LOG_FILE
func FromEnv(verbose bool) Options {
	return Options{
		Level:   os.Getenv("LOG_LEVEL"),
		Verbose: verbose,
		File:    os.Getenv("LOG_FILE"),
	}
}

// FileHook writes every entry as a JSON line to a size-rotated file
type FileHook struct {
	writer    *lumberjack.Logger
	formatter logrus.Formatter
}

// NewFileHook creates a hook writing to path. Files rotate at 10 MB and old ones are compressed.
func NewFileHook(path string) *FileHook {
	return &FileHook{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		formatter: &logrus.JSONFormatter{TimestampFormat: TimestampFormat},
	}
}

func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *FileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// Close closes the current log file
func (h *FileHook) Close() error {
	if h == nil {
		return nil
	}
	return h.writer.Close()
}
