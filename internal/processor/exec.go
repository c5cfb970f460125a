// Package processor runs the optional downstream step after each batch,
// either as a child process or as a published notice.
package processor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// ExecConfig describes the child process.
type ExecConfig struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
	// EnvVar receives the ledger location.
	EnvVar string
	// Markers selects which output lines are surfaced in the logs.
	Markers []string
}

// Exec runs a command once per batch.
type Exec struct {
	cfg    ExecConfig
	clock  harvest.Clock
	logger *zap.Logger
}

// NewExec validates cfg and builds the processor.
func NewExec(cfg ExecConfig, clock harvest.Clock, logger *zap.Logger) (*Exec, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("processor.command is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.EnvVar == "" {
		cfg.EnvVar = "HARVEST_LEDGER_PATH"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{cfg: cfg, clock: clock, logger: logger.With(zap.String("processor", cfg.Command))}, nil
}

// Run executes the command and reports its outcome. A non-zero exit or a
// timeout is a failed outcome, never an error for the caller.
func (e *Exec) Run(ctx context.Context, notice harvest.ProcessorNotice) harvest.ProcessorOutcome {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.Dir
	cmd.Env = append(os.Environ(),
		e.cfg.EnvVar+"="+notice.Location,
		"HARVEST_RUN_ID="+notice.RunID,
		"HARVEST_QUEUE="+notice.Queue,
		"HARVEST_BATCH="+strconv.Itoa(notice.Batch),
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := e.clock.Now()
	err := cmd.Run()
	outcome := harvest.ProcessorOutcome{Duration: e.clock.Now().Sub(start)}

	marked := e.markedLines(output.Bytes())
	for _, line := range marked {
		e.logger.Info("processor output", zap.Int("batch", notice.Batch), zap.String("line", line))
	}
	outcome.Detail = strings.Join(marked, "\n")

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Err = fmt.Errorf("processor timed out after %s", e.cfg.Timeout)
	case err != nil:
		outcome.Err = fmt.Errorf("processor failed: %w", err)
		if outcome.Detail == "" {
			outcome.Detail = lastLine(output.Bytes())
		}
	default:
		outcome.OK = true
	}
	return outcome
}

func (e *Exec) markedLines(out []byte) []string {
	if len(e.cfg.Markers) == 0 {
		return nil
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		for _, m := range e.cfg.Markers {
			if strings.Contains(line, m) {
				lines = append(lines, strings.TrimSpace(line))
				break
			}
		}
	}
	return lines
}

func lastLine(out []byte) string {
	trimmed := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
