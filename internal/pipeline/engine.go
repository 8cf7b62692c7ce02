// Package pipeline holds stage-DAG definitions and the execution state of their runs.
//
// Unlike the orchestrator, unknown pipeline, stage and run ids are hard errors:
// pipeline graphs are authored configuration, so a bad id is a programming error.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/depgraph"
)

// Engine stores pipelines and runs for one control plane.
type Engine struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	runs      map[string]*Run
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pipelines: make(map[string]*Pipeline),
		runs:      make(map[string]*Run),
		logger:    logger.Named("pipeline"),
		now:       time.Now,
	}
}

// CreatePipeline registers a pipeline with no stages.
func (e *Engine) CreatePipeline(name, description string) *Pipeline {
	p := &Pipeline{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Stages:      []Stage{},
	}
	e.mu.Lock()
	e.pipelines[p.ID] = p
	e.mu.Unlock()

	e.logger.Info("Pipeline created", zap.String("pipeline_id", p.ID), zap.String("name", name))
	return p.clone()
}

// RegisterPipeline stores a fully defined pipeline, replacing one with the same id.
func (e *Engine) RegisterPipeline(p *Pipeline) *Pipeline {
	c := p.clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	e.mu.Lock()
	e.pipelines[c.ID] = c
	e.mu.Unlock()
	return c.clone()
}

// AddStage appends a stage. An empty stage id is generated.
func (e *Engine) AddStage(pipelineID string, stage Stage) (*Stage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	if stage.Type == "" {
		stage.Type = StageSequential
	}
	stage.DependsOn = append([]string(nil), stage.DependsOn...)
	p.Stages = append(p.Stages, stage)
	return &stage, nil
}

// RemoveStage deletes a stage from the pipeline. Dependents keep their
// dependsOn entry and therefore never become ready.
func (e *Engine) RemoveStage(pipelineID, stageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	idx := p.stageIndex(stageID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStageNotFound, stageID)
	}
	p.Stages = append(p.Stages[:idx], p.Stages[idx+1:]...)
	return nil
}

// DeletePipeline removes a pipeline. Existing runs are kept.
func (e *Engine) DeletePipeline(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pipelines, id)
}

// GetPipeline returns a copy of the pipeline.
func (e *Engine) GetPipeline(id string) (*Pipeline, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return p.clone(), nil
}

// GetAllPipelines returns every pipeline sorted by name.
func (e *Engine) GetAllPipelines() []*Pipeline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartRun creates a Running run with no stage results.
func (e *Engine) StartRun(pipelineID string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pipelines[pipelineID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	run := &Run{
		ID:           uuid.NewString(),
		PipelineID:   pipelineID,
		Status:       RunRunning,
		StageResults: make(map[string]StageResult),
		StartedAt:    e.now(),
	}
	e.runs[run.ID] = run
	e.logger.Info("Pipeline run started", zap.String("run_id", run.ID), zap.String("pipeline_id", pipelineID))
	return run.clone(), nil
}

// GetRun returns a copy of the run.
func (e *Engine) GetRun(runID string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.clone(), nil
}

// GetReadyStages returns the stages whose dependencies are all Completed
// and which have no result yet. It is recomputed from the engine's current
// state of the run on every call.
func (e *Engine) GetReadyStages(run *Run) ([]Stage, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	current := run
	if live, ok := e.runs[run.ID]; ok {
		current = live
	}
	p, ok := e.pipelines[current.PipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, current.PipelineID)
	}

	completed := make(depgraph.Set, len(current.StageResults))
	for id, res := range current.StageResults {
		if res != nil && res.State() == StateCompleted {
			completed[id] = struct{}{}
		}
	}

	ready := make([]Stage, 0)
	for _, s := range p.Stages {
		if current.Result(s.ID).State() != StateNotStarted {
			continue
		}
		if depgraph.Classify(s.DependsOn, completed) == depgraph.Blocked {
			continue
		}
		s.DependsOn = append([]string(nil), s.DependsOn...)
		ready = append(ready, s)
	}
	return ready, nil
}

// MarkStageStarted records that agentID picked up the stage.
func (e *Engine) MarkStageStarted(runID, stageID, agentID string) error {
	return e.updateStage(runID, stageID, func(run *Run, _ *Pipeline) {
		run.StageResults[stageID] = Started{AgentID: agentID}
	})
}

// MarkStageCompleted records the stage output. When every stage of the
// pipeline is Completed the run becomes Completed in the same call.
func (e *Engine) MarkStageCompleted(runID, stageID, output string) error {
	return e.updateStage(runID, stageID, func(run *Run, p *Pipeline) {
		run.StageResults[stageID] = Completed{Output: output}
		for _, s := range p.Stages {
			if run.Result(s.ID).State() != StateCompleted {
				return
			}
		}
		now := e.now()
		run.Status = RunCompleted
		run.CompletedAt = &now
		e.logger.Info("Pipeline run completed", zap.String("run_id", runID))
	})
}

// MarkStageFailed records the error and pauses the run. Dependents are not
// failed and nothing is retried.
func (e *Engine) MarkStageFailed(runID, stageID, errMsg string) error {
	return e.updateStage(runID, stageID, func(run *Run, _ *Pipeline) {
		run.StageResults[stageID] = Failed{Error: errMsg}
		run.Status = RunPaused
		e.logger.Warn("Pipeline stage failed, run paused",
			zap.String("run_id", runID),
			zap.String("stage_id", stageID),
			zap.String("error", errMsg),
		)
	})
}

// PauseRun moves a Running run to Paused.
func (e *Engine) PauseRun(runID string) error {
	return e.setStatus(runID, RunRunning, RunPaused)
}

// ResumeRun moves a Paused run back to Running.
func (e *Engine) ResumeRun(runID string) error {
	return e.setStatus(runID, RunPaused, RunRunning)
}

func (e *Engine) setStatus(runID string, from, to RunStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status == from {
		run.Status = to
	}
	return nil
}

func (e *Engine) updateStage(runID, stageID string, apply func(*Run, *Pipeline)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	p, ok := e.pipelines[run.PipelineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, run.PipelineID)
	}
	if p.stageIndex(stageID) < 0 {
		return fmt.Errorf("%w: %s", ErrStageNotFound, stageID)
	}
	apply(run, p)
	return nil
}

// RenderStageDescription substitutes {{key}} placeholders in the stage's
// task description template. When placeholders overlap the longest key wins.
func RenderStageDescription(stage Stage, vars map[string]string) string {
	if len(vars) == 0 {
		return stage.TaskDescription
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, len(vars)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(stage.TaskDescription)
}
