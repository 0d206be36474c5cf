package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
)

// ExecConfig describes the worker command line.
type ExecConfig struct {
	Command string
	Args    []string
	Workdir string
	Env     map[string]string
	EnvFile string
	LogFile string
	// SupervisorURL is exported to the worker as SUPERVISOR_URL.
	SupervisorURL string
}

// ExecSpawner starts the worker with os/exec.
type ExecSpawner struct {
	cfg ExecConfig
}

func NewExecSpawner(cfg ExecConfig) *ExecSpawner {
	return &ExecSpawner{cfg: cfg}
}

func (s *ExecSpawner) Spawn() (Handle, error) {
	if s.cfg.Command == "" {
		return nil, fmt.Errorf("worker command is empty")
	}
	env, err := s.environ()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Workdir
	cmd.Env = env

	var logFile *os.File
	if s.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("worker log dir: %w", err)
		}
		logFile, err = os.OpenFile(s.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		h.mu.Lock()
		h.code = cmd.ProcessState.ExitCode()
		h.mu.Unlock()
		if logFile != nil {
			_ = logFile.Close()
		}
		close(h.done)
	}()
	return h, nil
}

// environ merges, in increasing precedence: the parent environment, the env
// file, the configured env and SUPERVISOR_URL.
func (s *ExecSpawner) environ() ([]string, error) {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := cut(kv); ok {
			merged[k] = v
		}
	}
	if s.cfg.EnvFile != "" {
		fileEnv, err := LoadEnvFile(s.cfg.EnvFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fileEnv {
			merged[k] = v
		}
	}
	for k, v := range s.cfg.Env {
		merged[k] = v
	}
	if s.cfg.SupervisorURL != "" {
		merged["SUPERVISOR_URL"] = s.cfg.SupervisorURL
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
}

func (h *execHandle) Pid() int                   { return h.cmd.Process.Pid }
func (h *execHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }
func (h *execHandle) Kill() error                { return h.cmd.Process.Kill() }
func (h *execHandle) Done() <-chan struct{}      { return h.done }

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}
