// pipeline.go implements a stage driver: registered stages run one after
// another, each batch by batch until it reports completion. A stage failing
// with a fatal batch error is restarted from its last checkpoint until its
// retry limit is used up.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/eth2030/snapsync/log"
)

// Pipeline-specific errors.
var (
	ErrPipelineStageNotFound  = errors.New("pipeline: stage not found")
	ErrPipelineStageExists    = errors.New("pipeline: stage already registered")
	ErrPipelineRetryExhausted = errors.New("pipeline: retry limit exhausted for stage")
)

// Stage is one step of a staged sync. The account range engine is one.
type Stage interface {
	Name() string
	RunBatch(ctx context.Context) (BatchResult, error)
	Unwind(to Checkpoint) error
}

// StageStatus represents the lifecycle state of a pipeline stage.
type StageStatus uint8

const (
	StageStatusPending   StageStatus = iota // Waiting to start.
	StageStatusRunning                      // Currently executing.
	StageStatusCompleted                    // Finished successfully.
	StageStatusFailed                       // Gave up after retries.
)

// String returns a human-readable name for the status.
func (s StageStatus) String() string {
	switch s {
	case StageStatusPending:
		return "pending"
	case StageStatusRunning:
		return "running"
	case StageStatusCompleted:
		return "completed"
	case StageStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// PipelineConfig configures the pipeline.
type PipelineConfig struct {
	// RetryLimit is how many times a stage is restarted after a fatal
	// batch error. Zero means no restarts.
	RetryLimit int
}

// DefaultPipelineConfig returns a PipelineConfig with sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{RetryLimit: 3}
}

// StageInfo is a snapshot of one stage.
type StageInfo struct {
	Name     string
	Status   StageStatus
	Progress Checkpoint
	Attempts int    // starts, including restarts
	Error    string // last fatal error
}

type pipelineStage struct {
	stage Stage
	info  StageInfo
}

// Pipeline runs stages in registration order. Status queries are safe for
// concurrent use; Run must only be active once at a time.
type Pipeline struct {
	config PipelineConfig
	log    *log.Logger

	mu      gosync.RWMutex
	stages  []*pipelineStage
	running bool
}

// NewPipeline creates an empty pipeline.
func NewPipeline(config PipelineConfig, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{config: config, log: logger.Module("pipeline")}
}

// AddStage registers a stage. Names must be unique.
func (p *Pipeline) AddStage(s Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ps := range p.stages {
		if ps.info.Name == s.Name() {
			return fmt.Errorf("%w: %q", ErrPipelineStageExists, s.Name())
		}
	}
	p.stages = append(p.stages, &pipelineStage{
		stage: s,
		info:  StageInfo{Name: s.Name(), Status: StageStatusPending},
	})
	return nil
}

// Run executes every pending stage in order. It returns the first stage
// failure, or ctx's error if cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPipelineActive
	}
	p.running = true
	stages := append([]*pipelineStage(nil), p.stages...)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for _, ps := range stages {
		if p.status(ps) == StageStatusCompleted {
			continue
		}
		if err := p.runStage(ctx, ps); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, ps *pipelineStage) error {
	p.update(ps, func(info *StageInfo) {
		info.Status = StageStatusRunning
		info.Attempts++
	})
	p.log.Info("Stage started", "stage", ps.info.Name)

	for {
		res, err := ps.stage.RunBatch(ctx)
		p.update(ps, func(info *StageInfo) { info.Progress = res.Progress })

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.update(ps, func(info *StageInfo) { info.Status = StageStatusPending })
				return ctxErr
			}
			if err := p.restart(ps, res.Progress, err); err != nil {
				return err
			}
			continue
		}
		if res.Done {
			p.update(ps, func(info *StageInfo) {
				info.Status = StageStatusCompleted
				info.Error = ""
			})
			p.log.Info("Stage completed", "stage", ps.info.Name, "accounts", res.Progress.AccountsWritten)
			return nil
		}
	}
}

// restart unwinds a failed stage to its last checkpoint, or marks it
// failed once the retry limit is reached.
func (p *Pipeline) restart(ps *pipelineStage, cp Checkpoint, cause error) error {
	p.mu.RLock()
	attempts := ps.info.Attempts
	p.mu.RUnlock()

	if attempts > p.config.RetryLimit {
		p.update(ps, func(info *StageInfo) {
			info.Status = StageStatusFailed
			info.Error = cause.Error()
		})
		p.log.Error("Stage failed", "stage", ps.info.Name, "attempts", attempts, "err", cause)
		return fmt.Errorf("%w: %q after %d attempts: %w", ErrPipelineRetryExhausted, ps.info.Name, attempts, cause)
	}
	p.log.Warn("Stage batch failed, restarting from checkpoint", "stage", ps.info.Name,
		"attempt", attempts, "cursor", cp.LastCoveredKey, "err", cause)
	if err := ps.stage.Unwind(cp); err != nil {
		p.update(ps, func(info *StageInfo) {
			info.Status = StageStatusFailed
			info.Error = err.Error()
		})
		return fmt.Errorf("%w: %q unwind: %w", ErrStageFailed, ps.info.Name, err)
	}
	p.update(ps, func(info *StageInfo) {
		info.Attempts++
		info.Error = cause.Error()
	})
	return nil
}

func (p *Pipeline) update(ps *pipelineStage, fn func(*StageInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&ps.info)
}

func (p *Pipeline) status(ps *pipelineStage) StageStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ps.info.Status
}

// Stage returns a snapshot of the named stage.
func (p *Pipeline) Stage(name string) (StageInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ps := range p.stages {
		if ps.info.Name == name {
			return ps.info, nil
		}
	}
	return StageInfo{}, fmt.Errorf("%w: %q", ErrPipelineStageNotFound, name)
}

// Stages returns snapshots of all stages in registration order.
func (p *Pipeline) Stages() []StageInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]StageInfo, len(p.stages))
	for i, ps := range p.stages {
		out[i] = ps.info
	}
	return out
}

// IsComplete returns true if all stages have completed.
func (p *Pipeline) IsComplete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.stages) == 0 {
		return false
	}
	for _, ps := range p.stages {
		if ps.info.Status != StageStatusCompleted {
			return false
		}
	}
	return true
}

// Name implements Stage.
func (e *Engine) Name() string { return "AccountRange" }
