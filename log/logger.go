package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

type (
	Logger = logrus.Logger
	Fields = logrus.Fields
	Entry  = logrus.Entry
)

const (
	// default log level
	defaultLogLevel = logrus.InfoLevel

	// log file name
	globalLogFileName = "global.log"
	// default log directory
	logDir = "nodelogs"
	// default log file params
	defaultLogMaxSize    = 100  // maximum file size before rotation, in MB
	defaultLogMaxBackups = 3    // maximum number of old log files to keep
	defaultLogMaxAge     = 28   // maximum number of days to retain old log files
	defaultLogCompress   = true // whether to compress the rotated log files using gzip
)

var (
	// Global is the process wide logger. Components that are not handed a
	// logger of their own log through it.
	Global *Logger = newStdoutLogger(defaultLogLevel.String())

	// default logfile path
	defaultLogFilePath = filepath.Join(logDir, globalLogFileName)
)

// SetGlobalLogger redirects the global logger to a rotated log file (and
// stdout) at the given level.
func SetGlobalLogger(logFilename string, logLevel string) {
	if logFilename == "" {
		logFilename = defaultLogFilePath
	}
	Global.SetOutput(io.MultiWriter(rotatingFile(logFilename), os.Stdout))
	Global.SetLevel(parseLevel(logLevel))
}

// NewLogger creates a logger writing only to the given rotated log file.
// Sequencer subsystems get their own file so pipeline chatter does not
// drown block production logs.
func NewLogger(logFilename string, logLevel string) *Logger {
	if logFilename == "" {
		logFilename = defaultLogFilePath
	}
	logger := logrus.New()
	logger.SetOutput(rotatingFile(logFilename))
	logger.SetFormatter(defaultFormatter())
	logger.SetLevel(parseLevel(logLevel))
	logger.WithFields(Fields{
		"path":  logFilename,
		"level": logLevel,
	}).Info("Logger started")
	return logger
}

// ConfigureLogger applies options to the global logger.
func ConfigureLogger(opts ...Options) {
	for _, opt := range opts {
		opt(Global)
	}
}

func newStdoutLogger(logLevel string) *Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(defaultFormatter())
	logger.SetLevel(parseLevel(logLevel))
	return logger
}

func rotatingFile(logFilename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   logFilename,
		MaxSize:    defaultLogMaxSize,
		MaxBackups: defaultLogMaxBackups,
		MaxAge:     defaultLogMaxAge,
		Compress:   defaultLogCompress,
	}
}

func defaultFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:     true,
		PadLevelText:    true,
		FullTimestamp:   true,
		TimestampFormat: "01-02|15:04:05.000",
	}
}

func parseLevel(logLevel string) logrus.Level {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return defaultLogLevel
	}
	return level
}
