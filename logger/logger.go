package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"moonrakerapi/config"
	"moonrakerapi/utils"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	SetLevel(level LogLevel)
	GetLevel() LogLevel
}

// New builds the process logger. The log file, when configured, is rotated
// by lumberjack; development builds also echo to stdout.
func New(cfg *config.LoggingConfig, environment string) (Logger, error) {
	var output io.Writer = os.Stdout

	if cfg.File != "" {
		logFile, err := utils.ResolvePath(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve log file path: %w", err)
		}
		if err := utils.MkdirIfNotExists(logFile); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}

		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}

		if environment == "development" {
			output = io.MultiWriter(os.Stdout, rotating)
		} else {
			output = rotating
		}
	}

	return NewWithWriter(output, ParseLogLevel(cfg.Level), cfg.Format), nil
}

// NewWithWriter returns a logger writing to w in the given format
// ("text" or "json").
func NewWithWriter(w io.Writer, level LogLevel, format string) Logger {
	if strings.EqualFold(format, "json") {
		return newZapLogger(w, level)
	}
	l := &logger{std: log.New(w, "", 0)}
	l.level.Store(int32(level))
	return l
}

// Discard drops everything.
func Discard() Logger {
	return NewWithWriter(io.Discard, ERROR+1, "text")
}

type logger struct {
	level atomic.Int32
	std   *log.Logger
}

func (l *logger) formatMessage(level LogLevel, format string, args ...any) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, args...)
	return fmt.Sprintf("[%s] %s: %s", level.String(), timestamp, message)
}

func (l *logger) log(level LogLevel, format string, args ...any) {
	if int32(level) < l.level.Load() {
		return
	}
	l.std.Println(l.formatMessage(level, format, args...))
}

func (l *logger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

func (l *logger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

func (l *logger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

func (l *logger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

func (l *logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

type zapLogger struct {
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

func newZapLogger(w io.Writer, level LogLevel) *zapLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	atomicLevel := zap.NewAtomicLevelAt(toZapLevel(level))
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), atomicLevel)

	return &zapLogger{
		level: atomicLevel,
		sugar: zap.New(core).Sugar(),
	}
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

func (z *zapLogger) Debug(format string, args ...any) {
	z.sugar.Debugf(format, args...)
}

func (z *zapLogger) Info(format string, args ...any) {
	z.sugar.Infof(format, args...)
}

func (z *zapLogger) Warn(format string, args ...any) {
	z.sugar.Warnf(format, args...)
}

func (z *zapLogger) Error(format string, args ...any) {
	z.sugar.Errorf(format, args...)
}

func (z *zapLogger) SetLevel(level LogLevel) {
	z.level.SetLevel(toZapLevel(level))
}

func (z *zapLogger) GetLevel() LogLevel {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.InfoLevel:
		return INFO
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return ERROR + 1
	}
}
