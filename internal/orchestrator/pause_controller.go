package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/ShayCichocki/conclave/internal/logging"
)

// ErrStopped is returned once the orchestrator has been told to stop.
var ErrStopped = errors.New("orchestrator stopped")

// PauseController holds pause/resume/stop state for the run loop. Pausing
// stops new admissions; running tasks keep going.
type PauseController struct {
	paused  bool
	stopped bool
	logger  *logging.Logger
	// mu protects all fields.
	mu sync.RWMutex
	// cond is signalled when the controller is resumed or stopped.
	cond *sync.Cond
}

// NewPauseController creates a PauseController. A nil logger discards.
func NewPauseController(logger *logging.Logger) *PauseController {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &PauseController{logger: logger}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause stops new admissions.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.logger.Info("paused: no new tasks will be admitted")
	}
}

// Resume re-enables admissions.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.logger.Info("resumed")
		p.cond.Broadcast()
	}
}

// Stop signals a stop and unblocks any WaitIfPaused callers.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.cond.Broadcast()
	}
}

// IsPaused reports whether admissions are paused.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped reports whether Stop has been called.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// WaitIfPaused blocks while paused. It returns ctx.Err() if ctx ends first
// and ErrStopped once the controller is stopped.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused && !p.stopped {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			p.cond.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	if p.stopped {
		return ErrStopped
	}
	return nil
}
