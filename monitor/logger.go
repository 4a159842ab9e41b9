package monitor

import (
	"io"
	"os"

	"github.com/jedisct1/dlog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogMaxSize    = 10
	defaultLogMaxAge     = 7
	defaultLogMaxBackups = 1
)

// DecisionLogWriter opens the admission-log destination. "-" and /dev/stdout
// log to the terminal, pre-existing pipes and devices are appended to as-is,
// and everything else gets size-based rotation. The decision log is an
// observability surface, so a bad destination downgrades to stdout with a
// complaint instead of refusing to start.
func DecisionLogWriter(maxSize, maxAge, maxBackups int, fileName string) io.Writer {
	if fileName == "-" || fileName == "/dev/stdout" {
		return os.Stdout
	}
	if maxSize <= 0 {
		maxSize = defaultLogMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultLogMaxAge
	}
	if maxBackups < 0 {
		maxBackups = defaultLogMaxBackups
	}
	if st, _ := os.Stat(fileName); st != nil && !st.Mode().IsRegular() {
		if st.Mode().IsDir() {
			dlog.Errorf("Decision log [%v] is a directory, logging to stdout instead", fileName)
			return os.Stdout
		}
		fp, err := os.OpenFile(fileName, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			dlog.Errorf("Unable to access decision log [%v], logging to stdout instead: %v", fileName, err)
			return os.Stdout
		}
		return fp
	}
	return &lumberjack.Logger{
		LocalTime:  true,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		Filename:   fileName,
		Compress:   true,
	}
}
