package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

const (
	logTimeFormat  = "2006-01-02 15:04:05"
	logFileName    = "weppcloud.log"
	logFileMaxSize = 50 * 1024 * 1024
	logFileBackups = 5
)

// InitLogger builds the process logger from the [logging] section. Outputs
// are "console" (alias "stdout") and "file"; the console is used when no file
// output is configured or the log directory cannot be created.
func InitLogger(config *Config) arbor.ILogger {
	outputs := make(map[string]bool, len(config.Logging.Output))
	for _, o := range config.Logging.Output {
		outputs[strings.ToLower(strings.TrimSpace(o))] = true
	}
	console := outputs["console"] || outputs["stdout"] || !outputs["file"]

	logger := arbor.NewLogger()
	if outputs["file"] {
		w, err := fileWriter(config.Logging.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "weppcloud: file logging disabled: %v\n", err)
			console = true
		} else {
			logger = logger.WithFileWriter(w)
		}
	}
	if console {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: logTimeFormat,
			OutputType: models.OutputFormatLogfmt,
		})
	}
	return logger.WithLevelFromString(config.Logging.Level)
}

func fileWriter(dir string) (models.WriterConfiguration, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.WriterConfiguration{}, err
	}
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeFile,
		FileName:   filepath.Join(dir, logFileName),
		TimeFormat: logTimeFormat,
		MaxSize:    logFileMaxSize,
		MaxBackups: logFileBackups,
		OutputType: models.OutputFormatLogfmt,
	}, nil
}
