package shaper

import (
	"context"
	"os/exec"
)

// Commander runs an external command and returns its combined output.
// Injectable so tests can assert on the exact argument vector without
// touching a real network namespace.
type Commander interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execCommander runs commands via os/exec.CommandContext. It never
// receives a shell-interpreted string: args are always a pre-built,
// pre-validated vector.
type execCommander struct{}

func NewCommander() Commander {
	return &execCommander{}
}

func (execCommander) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
