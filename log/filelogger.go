package log

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	kitlog "github.com/go-kit/log"
)

// FileLogger is a logfmt logger that owns its file sink. Used for the
// per-job and per-verification logs that operators read off the share.
// Callers must Close it once the job reaches a terminal state.
type FileLogger struct {
	kitlog.Logger
	path string
	file *os.File
}

func (l *FileLogger) Path() string { return l.path }

// Dir returns the directory holding the log file, where sidecar files
// (ffmpeg_cmd.txt, ffmpeg_stderr.txt) are written.
func (l *FileLogger) Dir() string { return filepath.Dir(l.path) }

func (l *FileLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *FileLogger) Info(message string, keyvals ...interface{}) {
	_ = kitlog.With(l.Logger, "msg", message).Log(keyvals...)
}

func (l *FileLogger) Error(message string, err error, keyvals ...interface{}) {
	_ = kitlog.With(l.Logger, "msg", message, "err", err.Error()).Log(keyvals...)
}

func newFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	logger := kitlog.With(kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(f)), "ts", kitlog.DefaultTimestamp)
	return &FileLogger{Logger: logger, path: path, file: f}, nil
}

// NewJobLogger opens {logDir}/{YYYY-MM-DD}/{user}/jobs/{channel}_{jobID}/job.log.
func NewJobLogger(logDir, user, channel, jobID string) (*FileLogger, error) {
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logDir, date, user, "jobs", fmt.Sprintf("%s_%s", channel, jobID), "job.log")
	return newFileLogger(path)
}

// NewVerifyLogger opens {logDir}/{YYYY-MM-DD}/{user}/verify/{HH-MM-SS-mmm}.log.
func NewVerifyLogger(logDir, user string) (*FileLogger, error) {
	now := time.Now()
	date := now.Format("2006-01-02")
	stamp := fmt.Sprintf("%s-%03d", now.Format("15-04-05"), now.Nanosecond()/1e6)
	path := filepath.Join(logDir, date, user, "verify", stamp+".log")
	return newFileLogger(path)
}
