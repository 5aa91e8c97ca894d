package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/metrics"
	"github.com/quorumgrid/nodepool/pkg/types"
)

const (
	defaultProbeInterval  = 2 * time.Second
	defaultStartupTimeout = 2 * time.Minute
)

// Supervisor starts one cluster instance from its start script, polls a
// readiness probe until the instance reports ready, and issues a clean
// stop. It is the process-lifecycle primitive of the pool: the cluster
// itself stays an opaque set of subprocesses behind the scripts.
type Supervisor struct {
	instance       int
	startScript    string
	stopScript     string
	args           []string
	env            []string
	probe          Probe
	probeInterval  time.Duration
	startupTimeout time.Duration
	drainTimeout   time.Duration
	logger         zerolog.Logger

	proc *Process
}

// New creates a Supervisor for one instance slot
func New(instance int, startScript string) *Supervisor {
	return &Supervisor{
		instance:       instance,
		startScript:    startScript,
		probeInterval:  defaultProbeInterval,
		startupTimeout: defaultStartupTimeout,
		drainTimeout:   10 * time.Second,
		logger:         log.WithInstance(instance),
	}
}

// WithStopScript sets an external stop command; when unset the start
// script's process group is signalled instead
func (s *Supervisor) WithStopScript(script string) *Supervisor {
	s.stopScript = script
	return s
}

// WithArgs sets the arguments passed to the start and stop scripts
func (s *Supervisor) WithArgs(args ...string) *Supervisor {
	s.args = args
	return s
}

// WithEnv sets extra environment variables for the scripts
func (s *Supervisor) WithEnv(env ...string) *Supervisor {
	s.env = env
	return s
}

// WithProbe sets the readiness probe
func (s *Supervisor) WithProbe(p Probe) *Supervisor {
	s.probe = p
	return s
}

// WithProbeInterval sets the readiness polling interval
func (s *Supervisor) WithProbeInterval(d time.Duration) *Supervisor {
	s.probeInterval = d
	return s
}

// WithStartupTimeout sets the bound on the readiness wait
func (s *Supervisor) WithStartupTimeout(d time.Duration) *Supervisor {
	s.startupTimeout = d
	return s
}

// WithDrainTimeout sets how long Stop waits before escalating to SIGKILL
func (s *Supervisor) WithDrainTimeout(d time.Duration) *Supervisor {
	s.drainTimeout = d
	return s
}

// Start launches the start script and blocks until the readiness probe
// succeeds. On probe timeout the processes are stopped and a
// *types.StartupTimeoutError is returned; the caller decides the slot's
// fate (the pool marks it dead).
func (s *Supervisor) Start(ctx context.Context) error {
	if s.proc != nil && s.proc.IsRunning() {
		return nil
	}

	started := time.Now()
	s.logger.Info().Str("script", s.startScript).Msg("starting cluster instance")

	proc := NewProcess(s.startScript)
	proc.Args = s.args
	proc.Env = s.env
	proc.StopTimeout = s.drainTimeout

	if err := proc.Start(); err != nil {
		metrics.InstanceStartsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to run start script: %w", err)
	}
	s.proc = proc

	if err := s.waitReady(ctx); err != nil {
		metrics.InstanceStartsTotal.WithLabelValues("timeout").Inc()
		// Leave no half-started node processes behind.
		if serr := s.Stop(ctx); serr != nil {
			s.logger.Error().Err(serr).Msg("stop after failed startup")
		}
		return err
	}

	metrics.InstanceStartsTotal.WithLabelValues("started").Inc()
	metrics.InstanceStartupSeconds.Observe(time.Since(started).Seconds())
	s.logger.Info().Dur("took", time.Since(started)).Msg("cluster instance ready")
	return nil
}

// Stop shuts the instance down. Safe to call when the instance is
// already stopped. When a stop script is configured it runs first; any
// surviving start-script process group is terminated afterwards.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.stopScript != "" {
		stop := NewProcess(s.stopScript)
		stop.Args = s.args
		stop.Env = s.env
		if err := stop.Start(); err != nil {
			return fmt.Errorf("failed to run stop script: %w", err)
		}
		done := make(chan error, 1)
		go func() { done <- stop.Wait() }()
		select {
		case <-done:
		case <-time.After(s.drainTimeout):
			_ = stop.Kill()
		}
	}

	if s.proc != nil {
		if err := s.proc.Stop(); err != nil {
			return fmt.Errorf("failed to stop instance processes: %w", err)
		}
	}

	s.logger.Info().Msg("cluster instance stopped")
	return nil
}

// Running reports whether the start script's process group is alive
func (s *Supervisor) Running() bool {
	return s.proc != nil && s.proc.IsRunning()
}

// PID returns the start script's process group leader, 0 when this
// supervisor never started it
func (s *Supervisor) PID() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Logs returns the captured start script output
func (s *Supervisor) Logs() string {
	if s.proc == nil {
		return ""
	}
	return s.proc.Logs()
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	probe := s.probe
	if probe == nil {
		// Without an external probe the best available readiness signal
		// is the process group staying alive.
		probe = ProbeFunc(func(context.Context) Result {
			return Result{Ready: s.Running(), Message: "process running", CheckedAt: time.Now()}
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	lastMsg := ""
	for {
		res := probe.Check(waitCtx)
		if res.Ready {
			return nil
		}
		lastMsg = res.Message
		s.logger.Debug().Str("probe", lastMsg).Msg("instance not ready yet")

		select {
		case <-waitCtx.Done():
			return &types.StartupTimeoutError{
				Instance: s.instance,
				Timeout:  s.startupTimeout,
				Message:  lastMsg,
			}
		case <-ticker.C:
		}
	}
}
