package hook

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nlowe/hqttd/broker"
	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/log"
)

// DefaultRestartDelay is how long Power waits before restarting a monitor command that exited.
const DefaultRestartDelay = 5 * time.Second

// PowerCommands configures Power.
type PowerCommands struct {
	// Monitor runs for the lifetime of the daemon and prints one line per power transition: `suspend` right before
	// the host goes to sleep and `resume` after it wakes up. On systemd hosts this is typically a small wrapper
	// around `dbus-monitor` watching logind's PrepareForSleep signal. Other lines are ignored.
	Monitor []string

	RestartDelay time.Duration
}

// Power is a broker.PowerSource fed by a long-running monitor command.
type Power struct {
	cmds PowerCommands

	suspending *event.Feed[struct{}]
	resumed    *event.Feed[struct{}]

	log *slog.Logger
}

var _ broker.PowerSource = &Power{}

func NewPower(cmds PowerCommands) *Power {
	if cmds.RestartDelay <= 0 {
		cmds.RestartDelay = DefaultRestartDelay
	}

	return &Power{
		cmds:       cmds,
		suspending: event.NewFeed[struct{}]("hook.power.suspending"),
		resumed:    event.NewFeed[struct{}]("hook.power.resumed"),
		log:        log.ForComponent("hook.power"),
	}
}

func (p *Power) Suspending() event.Observable[struct{}] {
	return p.suspending
}

func (p *Power) Resumed() event.Observable[struct{}] {
	return p.resumed
}

// Run starts the monitor command and restarts it whenever it exits, until ctx is cancelled.
func (p *Power) Run(ctx context.Context) {
	if len(p.cmds.Monitor) == 0 {
		p.log.Debug("No power monitor configured, suspend and resume will not be detected")
		return
	}

	for {
		if err := p.monitor(ctx); err != nil && ctx.Err() == nil {
			p.log.With(log.Error(err), slog.Duration("restart_in", p.cmds.RestartDelay)).Warn("Power monitor exited")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cmds.RestartDelay):
		}
	}
}

func (p *Power) monitor(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.cmds.Monitor[0], p.cmds.Monitor[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("power monitor: %w", err)
	}

	if err = cmd.Start(); err != nil {
		return fmt.Errorf("power monitor: start %s: %w", p.cmds.Monitor[0], err)
	}

	p.Watch(stdout)

	if err = cmd.Wait(); err != nil {
		return fmt.Errorf("power monitor: %w", err)
	}

	return nil
}

// Watch reads power transitions from r until it is exhausted. Observers are notified synchronously, so a suspend has
// been handled by the time the next line is read.
func (p *Power) Watch(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch line := strings.ToLower(strings.TrimSpace(scanner.Text())); line {
		case "suspend":
			p.log.Info("Host is suspending")
			p.suspending.Emit(struct{}{})
		case "resume":
			p.log.Info("Host resumed")
			p.resumed.Emit(struct{}{})
		case "":
		default:
			p.log.With(slog.String("line", line)).Debug("Ignoring unknown power monitor output")
		}
	}

	if err := scanner.Err(); err != nil {
		p.log.With(log.Error(err)).Warn("Failed to read power monitor output")
	}
}
