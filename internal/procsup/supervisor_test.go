package procsup

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weppcloud/weppcloud/internal/models"
)

func TestRunStreamsBothPipes(t *testing.T) {
	var got []Line
	err := Run(context.Background(), Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo one; echo two 1>&2; echo three"},
	}, func(l Line) { got = append(got, l) })
	require.NoError(t, err)

	var stdout, stderr []string
	for _, l := range got {
		if l.Stream == Stdout {
			stdout = append(stdout, l.Text)
		} else {
			stderr = append(stderr, l.Text)
		}
	}
	assert.Equal(t, []string{"one", "three"}, stdout)
	assert.Equal(t, []string{"two"}, stderr)
}

func TestNonZeroExitIsExternalToolError(t *testing.T) {
	err := Run(context.Background(), Spec{
		Name: "rsync",
		Path: "/bin/sh",
		Args: []string{"-c", "echo 'rsync: link_stat failed' 1>&2; exit 23"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExternalTool)

	var toolErr *models.ExternalToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, 23, toolErr.ExitCode)
	assert.Equal(t, "rsync", toolErr.Tool)
	assert.Contains(t, toolErr.Output, "rsync: link_stat failed")
}

func TestCancellationStopsProcess(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	p, err := Start(ctx, Spec{Path: "/bin/sh", Args: []string{"-c", "echo ready; sleep 30"}}, 1)
	require.NoError(t, err)

	line := <-p.Lines()
	assert.Equal(t, "ready", line.Text)
	cancel(models.ErrJobCancelled)

	for range p.Lines() {
	}
	start := time.Now()
	err = p.Wait()
	assert.ErrorIs(t, err, models.ErrJobCancelled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestMissingBinary(t *testing.T) {
	err := Run(context.Background(), Spec{Path: "/nonexistent/tool"}, nil)
	assert.ErrorIs(t, err, models.ErrExternalTool)
}

func TestRunSurvivesOversizedLine(t *testing.T) {
	var lines, longest int
	var last string
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Spec{
			Path: "/bin/sh",
			Args: []string{"-c", "head -c 2000000 /dev/zero | tr '\\0' a; echo; echo done"},
		}, func(l Line) {
			lines++
			if len(l.Text) > longest {
				longest = len(l.Text)
			}
			last = l.Text
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run blocked on a 2 MB line without a break")
	}
	assert.Equal(t, "done", last)
	assert.LessOrEqual(t, longest, maxLineBytes)
	assert.Greater(t, lines, 2000000/maxLineBytes)
}

func TestScanLinesBreaksOnCarriageReturn(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("  10%\r  55%\r 100%\r\nsent 42 bytes\nlast"))
	scanner.Split(scanLines)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"  10%", "  55%", " 100%", "sent 42 bytes", "last"}, got)
}
