package hook

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nlowe/hqttd/platform"
)

// The kernel truncates process names to this many bytes, and pgrep -x matches against the truncated name.
const maxProcessNameLength = 15

// Sleep is a platform.Sleeper that runs a command, `systemctl suspend` for example.
type Sleep struct {
	argv []string
	run  Runner
}

var _ platform.Sleeper = &Sleep{}

// NewSleep constructs a Sleep running argv. A nil run uses Run.
func NewSleep(argv []string, run Runner) *Sleep {
	if run == nil {
		run = Run
	}

	return &Sleep{argv: argv, run: run}
}

func (s *Sleep) Sleep() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := s.run(ctx, s.argv); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}

	return nil
}

// ProcessCommands describes how to control one application.
type ProcessCommands struct {
	Path      string
	StartArgs []string
	// If empty, Stop terminates every process named like Path instead.
	StopArgs []string
}

// Process is a platform.Process that launches Path and finds it with pgrep.
type Process struct {
	cmds   ProcessCommands
	name   string
	run    Runner
	launch Launcher
}

var _ platform.Process = &Process{}

// NewProcess constructs a Process. A nil run uses Run and a nil launch uses Launch.
func NewProcess(cmds ProcessCommands, run Runner, launch Launcher) *Process {
	if run == nil {
		run = Run
	}

	if launch == nil {
		launch = Launch
	}

	return &Process{
		cmds:   cmds,
		name:   ProcessName(cmds.Path),
		run:    run,
		launch: launch,
	}
}

// ProcessName derives the name a process launched from path runs as: the file name without its extension, truncated
// like the kernel does.
func ProcessName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	if len(name) > maxProcessNameLength {
		name = name[:maxProcessNameLength]
	}

	return name
}

func (p *Process) Running(ctx context.Context) (bool, error) {
	_, err := p.run(ctx, []string{"pgrep", "-x", p.name})
	switch {
	case err == nil:
		return true, nil
	case ExitCode(err) == 1:
		return false, nil
	default:
		return false, fmt.Errorf("check %s: %w", p.name, err)
	}
}

func (p *Process) Start(context.Context) error {
	return p.launch(with([]string{p.cmds.Path}, p.cmds.StartArgs...))
}

func (p *Process) Stop(ctx context.Context) error {
	if len(p.cmds.StopArgs) > 0 {
		return p.launch(with([]string{p.cmds.Path}, p.cmds.StopArgs...))
	}

	_, err := p.run(ctx, []string{"pkill", "-x", p.name})
	if err != nil && ExitCode(err) != 1 {
		return fmt.Errorf("stop %s: %w", p.name, err)
	}

	return nil
}
