package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
)

// retryLogger routes retryablehttp messages to arbor
type retryLogger struct {
	logger arbor.ILogger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Str("detail", fmt.Sprint(keysAndValues...)).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Str("detail", fmt.Sprint(keysAndValues...)).Msg(msg)
}

// Fetcher downloads rasters and station files with retries.
type Fetcher struct {
	client *retryablehttp.Client
	logger arbor.ILogger
}

// NewFetcher creates a Fetcher that retries retries times with exponential backoff.
func NewFetcher(retries int, logger arbor.ILogger) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = &retryLogger{logger: logger}
	return &Fetcher{client: client, logger: logger}
}

// SetRetryWait adjusts the backoff bounds.
func (f *Fetcher) SetRetryWait(min, max time.Duration) {
	f.client.RetryWaitMin = min
	f.client.RetryWaitMax = max
}

// Download writes the body of url to dest through a temporary file, so dest
// is either complete or untouched.
func (f *Fetcher) Download(ctx context.Context, url, dest string) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid download url %s: %w", url, err)
	}
	req.Header.Set("User-Agent", common.UserAgent())
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s failed: HTTP %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("download %s interrupted: %w", url, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, err
	}

	f.logger.Debug().Str("url", url).Str("dest", dest).Int64("bytes", n).Msg("Download complete")
	return n, nil
}
