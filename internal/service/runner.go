package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dapm/minerop/internal/artifact"
	"github.com/dapm/minerop/internal/model"
)

var ErrStart = errors.New("miner process can't be started")

// Provisioner installs the miner artifact before a process is spawned.
type Provisioner interface {
	Ensure(ctx context.Context) (artifact.Status, error)
}

// Command describes how to launch the miner: Path Args... -jar <artifact>.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// CommandFromConfig maps the miner configuration to a Command.
func CommandFromConfig(cfg model.Miner) Command {
	return Command{
		Path: cfg.Runtime,
		Args: append([]string(nil), cfg.Flags...),
		Env:  cfg.Environ(),
	}
}

func (c Command) argv(jar string) []string {
	args := append([]string(nil), c.Args...)
	return append(args, "-jar", jar)
}

// Process is a running miner. Its stderr is merged into stdout.
type Process struct {
	ID      string
	Started time.Time

	cmd  *exec.Cmd
	ch   *Channel
	done chan struct{}
	err  error // exit error, valid once done is closed
}

func (p *Process) PID() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error once the process exited.
func (p *Process) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.err
}

// Channel returns the request channel bound to the process streams.
func (p *Process) Channel() *Channel {
	return p.ch
}

// Runner keeps at most one miner process. It is not safe for concurrent use:
// Miner serializes every call.
type Runner struct {
	cmd  Command
	prov Provisioner
	proc *Process

	spawns    int64
	refreshes int64
}

func NewRunner(cmd Command, prov Provisioner) *Runner {
	return &Runner{cmd: cmd, prov: prov}
}

// Current returns the current process handle, which may be nil or dead.
func (r *Runner) Current() *Process {
	return r.proc
}

// Alive reports whether p has not exited and its output is still open.
func (r *Runner) Alive(p *Process) bool {
	return p != nil && !p.Exited() && !p.ch.Closed()
}

// EnsureStarted returns the live process, spawning a new one when there is
// none. A dead handle is cleaned up first. Spawning provisions the artifact
// before launching the child.
func (r *Runner) EnsureStarted(ctx context.Context) (*Process, error) {
	if r.Alive(r.proc) {
		return r.proc, nil
	}
	if r.proc != nil {
		slog.WarnContext(ctx, "miner process is gone: respawning", "id", r.proc.ID, "pid", r.proc.PID(), "error", r.proc.Err())
		r.Terminate(ctx, 0)
	}

	st, err := r.prov.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}
	if st.Refreshed {
		r.refreshes++
	}

	p, err := r.spawn(ctx, st.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}
	r.proc = p
	r.spawns++
	slog.InfoContext(ctx, "miner process started", "id", p.ID, "pid", p.PID(), "path", r.cmd.Path, "artifact", st.Path)
	return p, nil
}

func (r *Runner) spawn(ctx context.Context, jar string) (*Process, error) {
	cmd := exec.Command(r.cmd.Path, r.cmd.argv(jar)...)
	cmd.Env = r.cmd.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// one pipe for both stdout and stderr
	out, w, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = out.Close()
		_ = w.Close()
		return nil, err
	}
	_ = w.Close()

	p := &Process{
		ID:      uuid.NewString(),
		Started: time.Now().UTC(),
		cmd:     cmd,
		ch:      NewChannel(stdin, out),
		done:    make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		slog.DebugContext(ctx, "miner process exited", "id", p.ID, "error", p.err)
	}()
	return p, nil
}

// Terminate stops the current process and clears the handle. Streams are
// closed first, then SIGTERM is sent and after grace the process is killed.
// It is a no-op without a process and never fails.
func (r *Runner) Terminate(ctx context.Context, grace time.Duration) {
	p := r.proc
	r.proc = nil
	if p == nil {
		return
	}
	_ = p.ch.Close()

	if p.Exited() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		grace = 0
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		slog.DebugContext(ctx, "miner process terminated", "id", p.ID)
		return
	case <-timer.C:
	}
	slog.WarnContext(ctx, "miner process did not stop in time: killing", "id", p.ID, "pid", p.PID(), "grace", grace.String())
	_ = p.cmd.Process.Kill()
	<-p.done
}

// Spawns returns how many processes were started.
func (r *Runner) Spawns() int64 { return r.spawns }

// Refreshes returns how many spawns rewrote the artifact.
func (r *Runner) Refreshes() int64 { return r.refreshes }
