// Package engine runs a local ComfyUI process and prepares it for a
// prediction.
package engine

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExited is returned by WaitReady when the process died before answering
var ErrExited = errors.New("comfyui process exited")

type Options struct {
	Python    string
	Main      string
	Host      string
	Port      int
	OutputDir string
	InputDir  string
	ExtraArgs []string
	// StartupTimeout bounds WaitReady. Zero waits until ctx ends.
	StartupTimeout time.Duration
	// StopGrace is how long Stop waits after the interrupt before killing
	StopGrace time.Duration
}

// Prober answers whether the server accepts requests
type Prober interface {
	IsServerRunning(ctx context.Context) bool
}

// Server is a ComfyUI child process
type Server struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func NewServer(opts Options) *Server {
	if opts.Python == "" {
		opts.Python = "python"
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 10 * time.Second
	}
	return &Server{
		opts: opts,
		log:  slog.With("component", "comfyui"),
	}
}

// Args returns the command line Start runs
func (s *Server) Args() []string {
	args := []string{s.opts.Main}
	if s.opts.Host != "" {
		args = append(args, "--listen", s.opts.Host)
	}
	if s.opts.Port != 0 {
		args = append(args, "--port", strconv.Itoa(s.opts.Port))
	}
	if s.opts.OutputDir != "" {
		args = append(args, "--output-directory", s.opts.OutputDir)
	}
	if s.opts.InputDir != "" {
		args = append(args, "--input-directory", s.opts.InputDir)
	}
	return append(args, s.opts.ExtraArgs...)
}

// Start launches the process. Its output is forwarded to the log line by
// line.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("comfyui already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(s.opts.Python, s.Args()...)
	cmd.Env = append(os.Environ(), OfflineEnviron()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	s.log.Info("Starting ComfyUI", "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.opts.Python, err)
	}

	var forwarders sync.WaitGroup
	forwarders.Add(2)
	go s.forward(&forwarders, stdout, slog.LevelInfo)
	go s.forward(&forwarders, stderr, slog.LevelWarn)

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	go func() {
		forwarders.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		s.log.Info("ComfyUI exited", "error", err)
		close(done)
	}()
	return nil
}

func (s *Server) forward(wg *sync.WaitGroup, r io.Reader, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Log(context.Background(), level, scanner.Text())
	}
}

// Done is closed when the process exits. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Running reports whether the process was started and has not exited
func (s *Server) Running() bool {
	done := s.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// WaitReady polls p with exponential backoff until the server answers, the
// startup timeout expires or the process exits.
func (s *Server) WaitReady(ctx context.Context, p Prober) error {
	if s.opts.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StartupTimeout)
		defer cancel()
	}
	done := s.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	start := time.Now()
	err := backoff.Retry(func() error {
		if done != nil {
			select {
			case <-done:
				return backoff.Permanent(ErrExited)
			default:
			}
		}
		if !p.IsServerRunning(ctx) {
			return errors.New("comfyui not answering yet")
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, ErrExited) {
			return err
		}
		return fmt.Errorf("waiting for comfyui: %w", err)
	}
	s.log.Info("ComfyUI is ready", "after", time.Since(start).Round(time.Millisecond))
	return nil
}

// Stop interrupts the process and kills it if it is still alive after the
// grace period.
func (s *Server) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		s.log.Warn("Interrupting ComfyUI failed, killing it", "error", err)
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(s.opts.StopGrace):
		s.log.Warn("ComfyUI did not stop in time, killing it", "grace", s.opts.StopGrace)
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}
