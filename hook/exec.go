// Package hook implements the platform collaborators on top of user-configured commands. Discovering and driving
// displays or audio outputs is left to small external programs (a wrapper around kscreen-doctor, pactl, a PowerShell
// script) that print JSON in the formats documented on Displays and Audio.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoCommand is returned when a hook is invoked without a configured command.
var ErrNoCommand = errors.New("no command configured")

// ExitError is returned when a command ran but exited with a non-zero status.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Argv, " "), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}

	return msg
}

// ExitCode returns the exit status carried by err, or -1 if err is not (and does not wrap) an ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return -1
}

// Runner runs argv to completion and returns its standard output.
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// Launcher starts argv without waiting for it to exit.
type Launcher func(argv []string) error

// Run is the default Runner. It uses os/exec and reports non-zero exits as *ExitError.
func Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, &ExitError{
				Argv:   argv,
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}

		return out, fmt.Errorf("run %s: %w", argv[0], err)
	}

	return out, nil
}

// Launch is the default Launcher. The child is reaped in the background.
func Launch(argv []string) error {
	if len(argv) == 0 {
		return ErrNoCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", argv[0], err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// with returns a copy of argv with extra appended, so configured commands are never aliased.
func with(argv []string, extra ...string) []string {
	result := make([]string, 0, len(argv)+len(extra))
	result = append(result, argv...)

	return append(result, extra...)
}
