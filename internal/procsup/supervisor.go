// Package procsup runs external programs and streams their output line by
// line over a bounded channel while keeping a tail for error reports.
package procsup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Stream identifies which pipe a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of process output.
type Line struct {
	Stream Stream
	Text   string
}

// Spec describes a program invocation.
type Spec struct {
	Name string // short tool name used in errors, defaults to Path
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the inherited environment
}

const (
	defaultBuffer = 256
	tailLines     = 40
	tailLineBytes = 512
	// longer output runs without a line break are delivered in pieces
	maxLineBytes = 64 * 1024
	// grace period between SIGTERM and SIGKILL on cancellation
	killDelay = 5 * time.Second
)

// Process is a running program.
type Process struct {
	spec  Spec
	cmd   *exec.Cmd
	lines chan Line
	done  chan struct{}
	err   error

	mu   sync.Mutex
	tail []string
}

// Start launches spec. Output lines are delivered on Lines until the process
// exits; the channel is closed after both pipes drain. A slow reader applies
// back-pressure to the child once buffer lines are pending.
func Start(ctx context.Context, spec Spec, buffer int) (*Process, error) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if spec.Name == "" {
		spec.Name = spec.Path
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	// own process group so cancellation reaches grandchildren holding the pipes
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGTERM) }
	cmd.WaitDelay = killDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &models.ExternalToolError{Tool: spec.Name, Args: spec.Args, ExitCode: -1, Err: err}
	}

	p := &Process{
		spec:  spec,
		cmd:   cmd,
		lines: make(chan Line, buffer),
		done:  make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(&readers, stdout, Stdout)
	go p.pump(&readers, stderr, Stderr)

	go func() {
		readers.Wait()
		close(p.lines)
		p.err = p.result(ctx, cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func (p *Process) pump(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 2*maxLineBytes)
	scanner.Split(scanLines)
	for scanner.Scan() {
		text := scanner.Text()
		p.remember(text)
		p.lines <- Line{Stream: stream, Text: text}
	}
	if err := scanner.Err(); err != nil {
		p.remember(fmt.Sprintf("[%s unreadable: %v]", stream, err))
		// keep the pipe drained so the child never blocks on write
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanLines splits on \n, \r\n and bare \r (progress meters redraw with \r)
// and cuts runs longer than maxLineBytes into pieces.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexAny(data, "\r\n")
	if i < 0 || i >= maxLineBytes {
		if len(data) >= maxLineBytes {
			return maxLineBytes, data[:maxLineBytes], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	if data[i] == '\r' {
		switch {
		case i+1 < len(data) && data[i+1] == '\n':
			return i + 2, data[:i], nil
		case i+1 == len(data) && !atEOF:
			return 0, nil, nil
		}
	}
	return i + 1, data[:i], nil
}

func (p *Process) remember(text string) {
	if len(text) > tailLineBytes {
		text = text[:tailLineBytes]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, text)
	if len(p.tail) > tailLines {
		p.tail = p.tail[len(p.tail)-tailLines:]
	}
}

func (p *Process) result(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%s interrupted: %w", p.spec.Name, cause)
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &models.ExternalToolError{
		Tool:     p.spec.Name,
		Args:     p.spec.Args,
		ExitCode: code,
		Output:   p.Tail(),
		Err:      err,
	}
}

// Lines returns the output channel.
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Tail returns the last lines seen on either stream.
func (p *Process) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// Wait blocks until the process exits. Callers must drain Lines first or
// concurrently.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Run starts spec, hands every line to onLine and waits for exit.
func Run(ctx context.Context, spec Spec, onLine func(Line)) error {
	p, err := Start(ctx, spec, 0)
	if err != nil {
		return err
	}
	for line := range p.Lines() {
		if onLine != nil {
			onLine(line)
		}
	}
	return p.Wait()
}
