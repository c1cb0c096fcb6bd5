package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/labiium/chat2response-harness/internal/logging"
)

// Env keys the subject-under-test reads. They are stripped from the child
// environment so only the harness-written dotenv file takes effect; the
// spawning shell's credentials never leak into the child.
var trackedEnvKeys = []string{
	"BIND_ADDR",
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"UPSTREAM_MODE",
}

type State int

const (
	StateStarting State = iota
	StateReady
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

type SpawnOptions struct {
	// Command launches the subject-under-test, e.g. {"go", "run", "./cmd/chat2response"}.
	Command []string

	// ConfigVars land in the private dotenv file next to BIND_ADDR.
	ConfigVars map[string]string

	// ExtraEnv is applied on top of the scrubbed parent environment.
	ExtraEnv map[string]string

	// BindAddr overrides the auto-allocated 127.0.0.1:<free port>.
	BindAddr string

	// ReadyPath is probed with GET until one of ReadyStatuses answers.
	// Accepted 4xx codes mean "listening and routing", not that the probe
	// payload was semantically valid.
	ReadyPath     string
	ReadyStatuses []int

	ReadyTimeout time.Duration
	PollInterval time.Duration
	TailLines    int
}

func (o *SpawnOptions) withDefaults() error {
	if len(o.Command) == 0 {
		return errors.New("harness: spawn command is empty")
	}
	if o.ReadyPath == "" {
		o.ReadyPath = "/healthz"
	}
	if len(o.ReadyStatuses) == 0 {
		o.ReadyStatuses = []int{http.StatusOK, http.StatusBadRequest, http.StatusUnprocessableEntity}
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	return nil
}

// Proc is a handle to a spawned subject-under-test. Spawn never returns a
// handle in a state other than ready; a failed spawn surfaces as a
// *ReadinessError instead.
type Proc struct {
	BaseURL string

	cmd     *exec.Cmd
	command []string
	dir     string
	envFile string
	tail    *lineTail

	mu      sync.Mutex
	state   State
	done    chan struct{}
	drained chan struct{}
	waitErr error
}

func (p *Proc) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proc) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// LogTail returns the most recent captured output lines, oldest first.
func (p *Proc) LogTail() []string { return p.tail.Snapshot() }

// EnvFile is the path of the private dotenv written for this spawn.
func (p *Proc) EnvFile() string { return p.envFile }

func (p *Proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Spawn launches the subject-under-test with a hermetic configuration and
// blocks until it answers the readiness probe or the deadline elapses.
func Spawn(ctx context.Context, opts SpawnOptions) (*Proc, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	bindAddr := opts.BindAddr
	if bindAddr == "" {
		port, err := FreePort()
		if err != nil {
			return nil, fmt.Errorf("harness: allocate port: %w", err)
		}
		bindAddr = "127.0.0.1:" + strconv.Itoa(port)
	}

	dir, err := os.MkdirTemp("", "c2r-harness-")
	if err != nil {
		return nil, fmt.Errorf("harness: temp dir: %w", err)
	}

	vars := map[string]string{"BIND_ADDR": bindAddr}
	for k, v := range opts.ConfigVars {
		vars[k] = v
	}
	envFile := dir + string(os.PathSeparator) + ".env"
	if err := WriteDotEnv(envFile, vars); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("harness: write dotenv: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = childEnv(os.Environ(), opts.ExtraEnv)

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("harness: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &Proc{
		BaseURL: "http://" + bindAddr,
		cmd:     cmd,
		command: opts.Command,
		dir:     dir,
		envFile: envFile,
		tail:    newLineTail(opts.TailLines),
		state:   StateStarting,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("harness: start %q: %w", opts.Command[0], err)
	}
	// Child holds its own copy of the write end.
	_ = pw.Close()

	go p.drainOutput(pr)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	logging.Logger.Info("spawned subject-under-test",
		"pid", p.PID(), "base_url", p.BaseURL, "env_file", envFile)

	if err := p.awaitReady(ctx, opts); err != nil {
		p.setState(StateFailed)
		_ = p.Terminate(5 * time.Second)
		// The drain goroutine may still hold the child's final lines;
		// wait for pipe EOF before snapshotting the tail.
		select {
		case <-p.drained:
		case <-time.After(2 * time.Second):
		}
		tail := p.tail.Snapshot()
		return nil, &ReadinessError{
			Command: opts.Command,
			Elapsed: time.Since(start),
			Tail:    tail,
			Err:     err,
		}
	}
	p.setState(StateReady)
	return p, nil
}

// drainOutput is the only writer of the tail buffer. It runs until the
// child closes its side of the pipe.
func (p *Proc) drainOutput(pr *os.File) {
	defer close(p.drained)
	defer pr.Close()
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.tail.Append(scanner.Text())
	}
}

func (p *Proc) awaitReady(ctx context.Context, opts SpawnOptions) error {
	// Cancel polling as soon as the child exits; waiting out the full
	// deadline on a dead process helps nobody.
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	client := &http.Client{Timeout: time.Second}
	url := p.BaseURL + opts.ReadyPath
	probe := func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		for _, code := range opts.ReadyStatuses {
			if resp.StatusCode == code {
				return true
			}
		}
		return false
	}

	err := PollUntil(pollCtx, opts.PollInterval, opts.ReadyTimeout, probe)
	if err == nil {
		return nil
	}
	if p.exited() {
		return fmt.Errorf("process exited before becoming ready: %v", p.waitErr)
	}
	return err
}

// childEnv copies the parent environment minus the tracked override keys,
// then applies extra. Adding a key to extra also re-allows it.
func childEnv(base []string, extra map[string]string) []string {
	skip := map[string]struct{}{}
	for _, k := range trackedEnvKeys {
		skip[k] = struct{}{}
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, e := range base {
		eq := -1
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				eq = i
				break
			}
		}
		if eq < 0 {
			continue
		}
		if _, ok := skip[e[:eq]]; ok {
			continue
		}
		out = append(out, e)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
