package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const logFileName = "iptvscan.log"

// NewWithLogDir 创建同时输出到控制台与日志目录的 logger，日志文件无法打开时仅输出到控制台。
func NewWithLogDir(dir string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(os.Stdout)
	if dir == "" {
		return l
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.WithError(err).Warn("can't create log dir, logging to stdout only")
		return l
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.WithError(err).Warn("can't open log file, logging to stdout only")
		return l
	}
	l.SetOutput(io.MultiWriter(os.Stdout, file))
	return l
}

// Discard returns a logger that drops everything, used when no logger is configured.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
