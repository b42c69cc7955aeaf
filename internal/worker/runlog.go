package worker

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	megabyte         = 1024 * 1024
	runLogMaxBackups = 3
)

// RunLog is the append-only <wd>/rq.log handle attached for one job. Rotation
// is size based: rotated files sit next to rq.log as rq-<timestamp>.log.
type RunLog struct {
	mu   sync.Mutex
	path string
	file *lumberjack.Logger
	now  func() time.Time
}

// OpenRunLog opens path for appending. maxSize is in bytes and rounds up to
// whole megabytes; <= 0 uses the lumberjack default of 100 MB.
func OpenRunLog(path string, maxSize int64) (*RunLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	f.Close()

	l := &lumberjack.Logger{
		Filename:   path,
		MaxBackups: runLogMaxBackups,
	}
	if maxSize > 0 {
		l.MaxSize = int((maxSize + megabyte - 1) / megabyte)
	}
	return &RunLog{path: path, file: l, now: time.Now}, nil
}

// Write appends p.
func (l *RunLog) Write(p []byte) (int, error) {
	if l == nil {
		return len(p), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, os.ErrClosed
	}
	return l.file.Write(p)
}

// Printf writes one timestamped line.
func (l *RunLog) Printf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", l.now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	_, _ = l.Write([]byte(line))
}

// Path returns the file path of the log.
func (l *RunLog) Path() string {
	return l.path
}

// Close detaches the log. Later writes fail with os.ErrClosed.
func (l *RunLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
