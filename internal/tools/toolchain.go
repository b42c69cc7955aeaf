// Package tools invokes the external executables used by tasks (WhiteboxTools,
// GDAL, peridot, WEPP, RHEM, CLIGEN, rsync, ...). Tasks treat them as opaque:
// they build argument lists, stream output and check the files produced.
package tools

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/procsup"
)

// Tool names an external program.
type Tool string

const (
	WhiteboxTools Tool = "whitebox_tools"
	GdalTranslate Tool = "gdal_translate"
	GdalWarp      Tool = "gdalwarp"
	Peridot       Tool = "peridot"
	Wepp          Tool = "wepp"
	Rhem          Tool = "rhem"
	Cligen        Tool = "cligen"
	Ash           Tool = "ash"
	DebrisFlow    Tool = "debris_flow"
	DSSWriter     Tool = "dss_writer"
	Rsync         Tool = "rsync"
	SoilBuilder   Tool = "soil_builder"
)

// Invocation is one run of a tool.
type Invocation struct {
	Tool Tool
	Args []string
	Dir  string
	Env  []string
}

func (i Invocation) String() string {
	return fmt.Sprintf("%s %v", i.Tool, i.Args)
}

// Toolchain runs tools. onLine receives every stdout/stderr line as it is
// produced and may be nil.
type Toolchain interface {
	Run(ctx context.Context, inv Invocation, onLine func(procsup.Line)) error
}

// Exec runs tools as child processes.
type Exec struct {
	paths  map[Tool]string
	logger arbor.ILogger
}

// NewExec maps each tool to the executable configured for it.
func NewExec(cfg common.ToolsConfig, logger arbor.ILogger) *Exec {
	return &Exec{
		paths: map[Tool]string{
			WhiteboxTools: cfg.WhiteboxTools,
			GdalTranslate: cfg.GdalTranslate,
			GdalWarp:      cfg.GdalWarp,
			Peridot:       cfg.Peridot,
			Wepp:          cfg.Wepp,
			Rhem:          cfg.Rhem,
			Cligen:        cfg.Cligen,
			Ash:           cfg.Ash,
			DebrisFlow:    cfg.DebrisFlow,
			DSSWriter:     cfg.DSSWriter,
			Rsync:         cfg.Rsync,
			SoilBuilder:   cfg.SoilBuilder,
		},
		logger: logger,
	}
}

// Path returns the executable configured for tool.
func (e *Exec) Path(tool Tool) (string, error) {
	path := e.paths[tool]
	if path == "" {
		return "", fmt.Errorf("no executable configured for %s", tool)
	}
	return path, nil
}

func (e *Exec) Run(ctx context.Context, inv Invocation, onLine func(procsup.Line)) error {
	path, err := e.Path(inv.Tool)
	if err != nil {
		return err
	}

	e.logger.Debug().Str("tool", string(inv.Tool)).Strs("args", inv.Args).Str("dir", inv.Dir).Msg("Running external tool")
	err = procsup.Run(ctx, procsup.Spec{
		Name: string(inv.Tool),
		Path: path,
		Args: inv.Args,
		Dir:  inv.Dir,
		Env:  inv.Env,
	}, onLine)
	if err != nil {
		e.logger.Warn().Err(err).Str("tool", string(inv.Tool)).Msg("External tool failed")
	}
	return err
}
