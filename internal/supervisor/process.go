package supervisor

import (
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
)

// Process is one spawned worker. Stdout and Stderr are the read ends of the
// worker's output pipes; whoever consumes them should Close the process once
// done reading. The supervisor owns the lifecycle and is the only party that
// signals or kills it.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	cmd        *exec.Cmd
	generation uint64
	stdout     *os.File
	stderr     *os.File
	done       chan struct{} // closed when the process has exited
	settled    chan struct{} // closed once the supervisor has handled the exit
	exitErr    error
	closeOnce  sync.Once
}

// PID returns the operating-system process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Generation is a per-supervisor counter that increases with each spawn.
func (p *Process) Generation() uint64 { return p.generation }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error from waiting on the process. Only meaningful
// after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close releases the read ends of the output pipes.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
	return nil
}

// spawn starts cfg.Command with its own stdout/stderr pipes. Output is wired
// through os.Pipe rather than cmd.StdoutPipe so that Wait never closes a pipe
// a reader is still draining.
func spawn(cfg Config, generation uint64) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	return &Process{
		Stdin:      stdin,
		Stdout:     outR,
		Stderr:     errR,
		cmd:        cmd,
		generation: generation,
		stdout:     outR,
		stderr:     errR,
		done:       make(chan struct{}),
		settled:    make(chan struct{}),
	}, nil
}

// mergeEnv appends overrides to base in key order. exec.Cmd keeps the last
// value for duplicated keys, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
