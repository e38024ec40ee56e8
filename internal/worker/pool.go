package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loregraph/loregraph/internal/metrics"
)

// Pool limits, matching the node environment defaults.
const (
	DefaultWorkersPerProvider      = 2
	DefaultMaxTotalProcesses       = 50
	DefaultMaxProcessesPerProvider = 10
)

// PoolConfig tunes subprocess spawning.
type PoolConfig struct {
	NodeName                string
	ConfigFile              string
	WorkersPerProvider      int
	MaxTotalProcesses       int
	MaxProcessesPerProvider int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.WorkersPerProvider <= 0 {
		c.WorkersPerProvider = DefaultWorkersPerProvider
	}
	if c.MaxTotalProcesses <= 0 {
		c.MaxTotalProcesses = DefaultMaxTotalProcesses
	}
	if c.MaxProcessesPerProvider <= 0 {
		c.MaxProcessesPerProvider = DefaultMaxProcessesPerProvider
	}
	return c
}

type poolProc struct {
	cmd      *exec.Cmd
	provider string
	done     chan struct{}
}

// Pool spawns worker subprocesses, one provider each, by re-executing
// the current binary with the hidden worker command. Workers are
// separate processes so each owns fresh relational, KV and graph
// connection pools; pooled sockets are never shared across a fork.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu    sync.Mutex
	procs map[int]*poolProc // pid -> process
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "pool"),
		procs:  make(map[int]*poolProc),
	}
}

// Ensure brings each provider up to the target live worker count,
// respecting the per-provider and total caps. Dead subprocesses are
// reaped first so their slots free up.
func (p *Pool) Ensure(ctx context.Context, providerNames []string) error {
	p.reap()

	p.mu.Lock()
	defer p.mu.Unlock()

	byProvider := make(map[string]int)
	for _, proc := range p.procs {
		byProvider[proc.provider]++
	}
	total := len(p.procs)

	for _, provider := range providerNames {
		target := p.cfg.WorkersPerProvider
		if target > p.cfg.MaxProcessesPerProvider {
			target = p.cfg.MaxProcessesPerProvider
		}
		for byProvider[provider] < target {
			if total >= p.cfg.MaxTotalProcesses {
				p.logger.Warn("total process cap reached", "cap", p.cfg.MaxTotalProcesses)
				return nil
			}
			if err := p.spawnLocked(ctx, provider); err != nil {
				return err
			}
			byProvider[provider]++
			total++
		}
	}
	return nil
}

// spawnLocked starts one worker subprocess. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context, provider string) error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker", "--provider", provider, "--node", p.cfg.NodeName}
	if p.cfg.ConfigFile != "" {
		args = append(args, "--config", p.cfg.ConfigFile)
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker for %s: %w", provider, err)
	}

	proc := &poolProc{cmd: cmd, provider: provider, done: make(chan struct{})}
	p.procs[cmd.Process.Pid] = proc
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	p.logger.Info("spawned worker", "provider", provider, "pid", cmd.Process.Pid)
	return nil
}

// reap drops exited subprocesses from the table.
func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pid, proc := range p.procs {
		select {
		case <-proc.done:
			p.logger.Info("worker exited", "provider", proc.provider, "pid", pid)
			delete(p.procs, pid)
		default:
		}
	}
}

// Count returns live subprocess counts per provider.
func (p *Pool) Count() map[string]int {
	p.reap()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int)
	for _, proc := range p.procs {
		out[proc.provider]++
	}
	return out
}

// UpdateMetrics refreshes the live-worker gauges.
func (p *Pool) UpdateMetrics() {
	for provider, n := range p.Count() {
		metrics.LiveWorkers.WithLabelValues(provider).Set(float64(n))
	}
}

// StopAll signals every subprocess with SIGTERM and escalates to SIGKILL
// for any still alive after the timeout.
func (p *Pool) StopAll(timeout time.Duration) {
	p.mu.Lock()
	procs := make([]*poolProc, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			continue // already gone
		}
	}

	deadline := time.After(timeout)
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-deadline:
			p.logger.Warn("worker did not stop in time, killing",
				"provider", proc.provider, "pid", proc.cmd.Process.Pid)
			_ = proc.cmd.Process.Kill()
			<-proc.done
		}
	}

	p.mu.Lock()
	p.procs = make(map[int]*poolProc)
	p.mu.Unlock()
}
