package runcoord

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event kinds a supervisor reports. Started carries the PID, progress and
// heartbeat carry attempt telemetry, exited is terminal for the job.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventHeartbeat = "heartbeat"
	EventExited    = "exited"
)

// ExitCodeReview is the exit status a run tool uses to hand its output
// over for review instead of finishing outright.
const ExitCodeReview = 10

// JobSpec describes one supervised run attempt.
type JobSpec struct {
	QueueID  string
	IssueID  string
	Prompt   string
	Guidance []string
	MaxSteps int
}

// RunEvent is one supervisor observation. Seq is monotone per supervisor,
// so an event applied twice is recognized by the queue's operation ring.
type RunEvent struct {
	Seq      int64
	JobID    string
	QueueID  string
	Kind     string
	PID      int
	Progress string
	ExitCode int
	Err      string
}

// Supervisor launches and stops external run attempts and streams their
// lifecycle back as events.
type Supervisor interface {
	Start(ctx context.Context, spec JobSpec) (string, error)
	Stop(ctx context.Context, jobID string) error
	Events() <-chan RunEvent
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	maxProgressLine          = 240
)

// ExecOptions configure an ExecSupervisor.
type ExecOptions struct {
	// Command is the run tool argv. Empty makes every Start fail, which
	// surfaces as launch_failed on the queue row.
	Command []string
	// Dir is the working directory for attempts; empty inherits.
	Dir string
	// Env appends KEY=VALUE pairs to the inherited environment.
	Env []string
	// HeartbeatInterval paces liveness events per job. 0 uses 30s.
	HeartbeatInterval time.Duration
	// Logger receives stderr lines and job telemetry; nil uses the
	// default logger.
	Logger *slog.Logger
}

// ExecSupervisor runs one OS process per attempt. The job parameters
// travel in MU_RUN_* environment variables; stdout lines become progress
// events, stderr goes to the log, and the exit status becomes the
// terminal event.
type ExecSupervisor struct {
	argv      []string
	dir       string
	env       []string
	heartbeat time.Duration
	logger    *slog.Logger

	seq  atomic.Int64
	ch   chan RunEvent
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	jobs map[string]*exec.Cmd
}

// NewExecSupervisor builds a supervisor around the given run tool argv.
func NewExecSupervisor(opts ExecOptions) *ExecSupervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	return &ExecSupervisor{
		argv:      opts.Command,
		dir:       opts.Dir,
		env:       opts.Env,
		heartbeat: hb,
		logger:    logger.With("component", "run_supervisor"),
		ch:        make(chan RunEvent, 64),
		done:      make(chan struct{}),
		jobs:      make(map[string]*exec.Cmd),
	}
}

// Events returns the supervisor's event stream.
func (s *ExecSupervisor) Events() <-chan RunEvent {
	return s.ch
}

// Start launches one attempt and returns its job id. The process is not
// bound to ctx; attempts outlive the command that admitted them.
func (s *ExecSupervisor) Start(ctx context.Context, spec JobSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.argv) == 0 {
		return "", errors.New("run command not configured")
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env,
		"MU_RUN_QUEUE_ID="+spec.QueueID,
		"MU_RUN_ISSUE_ID="+spec.IssueID,
		"MU_RUN_PROMPT="+spec.Prompt,
		"MU_RUN_MAX_STEPS="+strconv.Itoa(spec.MaxSteps),
		"MU_RUN_GUIDANCE="+strings.Join(spec.Guidance, "\n"),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %q: %w", s.argv[0], err)
	}

	jobID := "job-" + uuid.NewString()
	s.mu.Lock()
	s.jobs[jobID] = cmd
	s.mu.Unlock()

	pid := cmd.Process.Pid
	s.logger.Info("run attempt started",
		"job_id", jobID, "queue_id", spec.QueueID, "issue_id", spec.IssueID, "pid", pid)
	s.emit(RunEvent{JobID: jobID, QueueID: spec.QueueID, Kind: EventStarted, PID: pid})

	go s.watch(jobID, spec.QueueID, pid, cmd, stdout, stderr)
	return jobID, nil
}

// Stop kills the attempt's process. The terminal event still arrives
// through the watcher once the process reaps.
func (s *ExecSupervisor) Stop(ctx context.Context, jobID string) error {
	s.mu.Lock()
	cmd, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Close kills every live attempt and stops event emission.
func (s *ExecSupervisor) Close() error {
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cmd := range s.jobs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(s.jobs, id)
	}
	return nil
}

func (s *ExecSupervisor) watch(jobID, queueID string, pid int, cmd *exec.Cmd, stdout, stderr io.Reader) {
	beatStop := make(chan struct{})
	go s.beat(jobID, queueID, pid, beatStop)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if len(line) > maxProgressLine {
				line = line[:maxProgressLine]
			}
			s.emit(RunEvent{JobID: jobID, QueueID: queueID, Kind: EventProgress, PID: pid, Progress: line})
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Debug("run stderr", "job_id", jobID, "msg", scanner.Text())
		}
	}()

	// Pipes must hit EOF before Wait reaps the process.
	wg.Wait()
	err := cmd.Wait()
	close(beatStop)

	code := 0
	msg := ""
	if err != nil {
		msg = err.Error()
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()

	s.logger.Info("run attempt exited", "job_id", jobID, "queue_id", queueID, "exit_code", code)
	s.emit(RunEvent{JobID: jobID, QueueID: queueID, Kind: EventExited, PID: pid, ExitCode: code, Err: msg})
}

func (s *ExecSupervisor) beat(jobID, queueID string, pid int, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.emit(RunEvent{JobID: jobID, QueueID: queueID, Kind: EventHeartbeat, PID: pid})
		}
	}
}

// emit stamps the sequence number and hands the event to the consumer.
// Sends block until the coordinator picks them up so terminal events are
// never dropped; Close releases any blocked sender.
func (s *ExecSupervisor) emit(ev RunEvent) {
	ev.Seq = s.seq.Add(1)
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}
