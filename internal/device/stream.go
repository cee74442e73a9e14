package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ParseErrorsThreshold defines the number of consecutive parse errors allowed
	ParseErrorsThreshold = 5

	// streamQueueDepth bounds how many parsed batches sit between the vendor
	// process and ReadBatch before the stdout pump blocks
	streamQueueDepth = 16
)

var (
	// ErrTooManyParseErrors is returned when the number of consecutive parse errors exceeds the threshold
	ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

	// ErrBrokenPipe is returned when there's an error reading from stdout or stderr
	ErrBrokenPipe = errors.New("broken pipe")
)

// LineParser turns one line of vendor tool output into a sample batch.
// Backends implement this for their tool's wire format.
type LineParser interface {
	Parse(line string) (*SampleBatch, error)
}

// streamRunner drives a vendor runtime child process and converts its stdout
// into sample batches. It is the common machinery behind the usrp and biopac
// backends: the backend supplies the command and the parser, the runner owns
// the process lifetime and the bounded batch queue ReadBatch drains.
type streamRunner struct {
	batches chan *SampleBatch

	isStreaming atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu      sync.Mutex
	exitErr error

	parseErrorsThreshold uint8
	logger               *slog.Logger
}

func newStreamRunner(logger *slog.Logger) *streamRunner {
	return &streamRunner{
		parseErrorsThreshold: ParseErrorsThreshold,
		logger:               logger,
	}
}

// start launches the command and begins pumping parsed batches. The batch
// queue is closed once the process exits, for whatever reason.
func (r *streamRunner) start(ctx context.Context, newCmd func(context.Context) *exec.Cmd, parser LineParser) error {
	if r.isStreaming.Load() {
		return ErrAlreadyStreaming
	}

	r.isStreaming.Store(true)
	r.batches = make(chan *SampleBatch, streamQueueDepth)

	ctx, r.cancel = context.WithCancel(ctx)
	cmd := newCmd(ctx)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.isStreaming.Store(false)
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.isStreaming.Store(false)
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		r.isStreaming.Store(false)
		return fmt.Errorf("error starting command: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.logger.Info("vendor runtime started")

		done := make(chan error, 3) // expects three results from three goroutines

		go r.handleStdout(stdout, parser, done)
		go r.handleStderr(stderr, done)
		go r.handleCmdWait(cmd, done)

		var errs []error
		for i := 0; i < cap(done); i++ {
			if err := <-done; err != nil {
				r.cancel() // cancel context on error
				r.logger.Error(err.Error())

				errs = append(errs, err)
			}
		}

		close(done)

		r.logger.Info("vendor runtime stopped")

		r.mu.Lock()
		r.exitErr = errors.Join(errs...)
		r.mu.Unlock()

		close(r.batches)
		r.isStreaming.Store(false)
	}()

	return nil
}

// read returns the next batch, blocking for at most the given timeout.
// A closed queue means the vendor process exited and the device link is gone.
func (r *streamRunner) read(timeout time.Duration) (*SampleBatch, error) {
	if r.batches == nil {
		return nil, ErrNotStreaming
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case batch, ok := <-r.batches:
		if !ok {
			r.mu.Lock()
			exitErr := r.exitErr
			r.mu.Unlock()

			if exitErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrDisconnected, exitErr)
			}
			return nil, ErrDisconnected
		}
		return batch, nil

	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

func (r *streamRunner) stop() {
	if !r.isStreaming.Load() {
		return // already stopped
	}

	r.cancel()

	// unblock the stdout pump if it is parked on a full queue
	for range r.batches {
	}

	r.wg.Wait()
}

// handleStdout reads lines from stdout, parses them and queues batches.
func (r *streamRunner) handleStdout(stdout io.Reader, parser LineParser, done chan<- error) {
	var parseErrors uint8

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		batch, err := parser.Parse(line)
		if err != nil {
			parseErrors++
			r.logger.Warn(fmt.Sprintf("error parsing samples: %s", err.Error()), slog.String("line", line))

			if parseErrors >= r.parseErrorsThreshold {
				done <- ErrTooManyParseErrors
				return
			}

			continue
		}

		parseErrors = 0 // reset counter
		r.batches <- batch
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stdout: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// handleStderr reads from stderr and logs whatever the vendor tool reports.
func (r *streamRunner) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		r.logger.Warn(fmt.Sprintf("runtime >> %s", line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// handleCmdWait waits for the command to exit and reports its exit error
func (r *streamRunner) handleCmdWait(cmd *exec.Cmd, done chan<- error) {
	if err := cmd.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		done <- fmt.Errorf("command exited with error: %w", err)
		return
	}

	done <- nil
}
