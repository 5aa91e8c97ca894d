package supervisor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process manages one cluster start script invocation with log capture
// and lifecycle control. The script is run in its own process group so
// that every node process it spawns can be signalled together.
type Process struct {
	Binary      string
	Args        []string
	Env         []string
	StopTimeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	pid  int
	logs *LogBuffer
}

// NewProcess creates a new Process instance
func NewProcess(binary string) *Process {
	return &Process{
		Binary:      binary,
		StopTimeout: 10 * time.Second,
		logs:        &LogBuffer{},
	}
}

// Start starts the process in a new process group
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		return fmt.Errorf("process already running with PID %d", p.pid)
	}

	p.cmd = exec.Command(p.Binary, p.Args...)
	p.cmd.Env = append(os.Environ(), p.Env...)
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	p.pid = p.cmd.Process.Pid

	go p.captureLogs(stdout)
	go p.captureLogs(stderr)

	return nil
}

// Stop terminates the process group gracefully with SIGTERM, escalating
// to SIGKILL after StopTimeout. Stopping an already-stopped process is
// a no-op.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	// Negative PID signals the whole process group.
	if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			p.cmd = nil
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	done := make(chan error, 1)
	cmd := p.cmd
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
		p.cmd = nil
		return nil
	case <-time.After(p.StopTimeout):
		_ = syscall.Kill(-p.pid, syscall.SIGKILL)
		<-done
		p.cmd = nil
		return nil
	}
}

// Kill forcefully kills the process group with SIGKILL
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	_ = p.cmd.Wait()
	p.cmd = nil
	return nil
}

// IsRunning returns true if the process is currently running
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	err := p.cmd.Process.Signal(syscall.Signal(0))
	return err == nil
}

// Wait waits for the process to exit
func (p *Process) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("process not started")
	}
	return cmd.Wait()
}

// PID returns the process group leader's PID, 0 if never started
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Logs returns all captured output as a string
func (p *Process) Logs() string {
	return p.logs.String()
}

// LogsSince returns output captured after the given timestamp
func (p *Process) LogsSince(since time.Time) string {
	return p.logs.Since(since)
}

// ContainsLog checks whether the captured output contains the pattern
func (p *Process) ContainsLog(pattern string) bool {
	return p.logs.Contains(pattern)
}

func (p *Process) captureLogs(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		p.logs.Append(scanner.Text())
	}
}

// LogBuffer provides thread-safe log buffering with timestamps
type LogBuffer struct {
	mu    sync.RWMutex
	lines []logLine
}

type logLine struct {
	timestamp time.Time
	content   string
}

// Append adds a log line to the buffer
func (lb *LogBuffer) Append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, logLine{
		timestamp: time.Now(),
		content:   line,
	})
}

// String returns all logs as a single string
func (lb *LogBuffer) String() string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var buf bytes.Buffer
	for _, line := range lb.lines {
		buf.WriteString(line.content)
		buf.WriteString("\n")
	}
	return buf.String()
}

// Since returns logs since the given timestamp
func (lb *LogBuffer) Since(since time.Time) string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var buf bytes.Buffer
	for _, line := range lb.lines {
		if line.timestamp.After(since) {
			buf.WriteString(line.content)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

// Contains checks if the logs contain a specific pattern
func (lb *LogBuffer) Contains(pattern string) bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	for _, line := range lb.lines {
		if bytes.Contains([]byte(line.content), []byte(pattern)) {
			return true
		}
	}
	return false
}

// Lines returns the number of captured log lines
func (lb *LogBuffer) Lines() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.lines)
}
