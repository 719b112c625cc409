package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/eargollo/mediaflow/internal/retry"
)

// Command runs an external program once per file. The Request is written to
// its stdin as JSON and a Result is read from its stdout. This is how the
// captioning and face-detection stages, which live outside this module, are
// plugged in.
type Command struct {
	Argv []string
	Env  []string
}

// NewCommand creates a Command stage for argv.
func NewCommand(argv ...string) *Command {
	return &Command{Argv: argv}
}

// Enrich implements Pipeline. A non-zero exit or unreadable output is
// reported as the service being unavailable (transient).
func (c *Command) Enrich(ctx context.Context, req Request) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, errors.New("enrich command: empty argv")
	}
	in, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %s: %v: %s", retry.ErrUnavailable,
			c.Argv[0], err, strings.TrimSpace(stderr.String()))
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, fmt.Errorf("%w: %s: decode result: %v", retry.ErrUnavailable, c.Argv[0], err)
	}
	return res, nil
}
