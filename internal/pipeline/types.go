package pipeline

import (
	"errors"
	"time"

	"github.com/cnap-oss/tmux-agents/internal/model"
)

var (
	// ErrPipelineNotFound is returned for an unknown pipeline id.
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrStageNotFound is returned for a stage id that is not part of the pipeline.
	ErrStageNotFound = errors.New("stage not found")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("pipeline run not found")
)

// StageType is advisory; it does not change dependency semantics.
type StageType string

const (
	StageSequential StageType = "sequential"
	StageParallel   StageType = "parallel"
)

// Stage is one node of a pipeline's dependency graph.
type Stage struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Type            StageType       `json:"type" yaml:"type"`
	AgentRole       model.AgentRole `json:"agentRole" yaml:"agentRole"`
	TaskDescription string          `json:"taskDescription" yaml:"taskDescription"`
	DependsOn       []string        `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []Stage `json:"stages" yaml:"stages"`
}

func (p *Pipeline) clone() *Pipeline {
	c := *p
	c.Stages = make([]Stage, len(p.Stages))
	for i, s := range p.Stages {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		c.Stages[i] = s
	}
	return &c
}

func (p *Pipeline) stageIndex(id string) int {
	for i, s := range p.Stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// RunStatus is the lifecycle of a pipeline run.
type RunStatus string

const (
	RunDraft     RunStatus = "draft"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StageState names the variant held by a StageResult.
type StageState string

const (
	StateNotStarted StageState = "not_started"
	StateStarted    StageState = "started"
	StateCompleted  StageState = "completed"
	StateFailed     StageState = "failed"
)

// StageResult is a closed sum type: NotStarted, Started, Completed or Failed.
type StageResult interface {
	State() StageState
	isStageResult()
}

// NotStarted is the result of a stage that has not been picked up.
type NotStarted struct{}

// Started records the agent running the stage.
type Started struct {
	AgentID string
}

// Completed records the stage output.
type Completed struct {
	Output string
}

// Failed records the stage error.
type Failed struct {
	Error string
}

func (NotStarted) State() StageState { return StateNotStarted }
func (Started) State() StageState    { return StateStarted }
func (Completed) State() StageState  { return StateCompleted }
func (Failed) State() StageState     { return StateFailed }

func (NotStarted) isStageResult() {}
func (Started) isStageResult()    {}
func (Completed) isStageResult()  {}
func (Failed) isStageResult()     {}

// Run is the execution state of one pipeline.
type Run struct {
	ID           string                 `json:"id"`
	PipelineID   string                 `json:"pipelineId"`
	Status       RunStatus              `json:"status"`
	StageResults map[string]StageResult `json:"-"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// Result returns the stage result, NotStarted when none is recorded.
func (r *Run) Result(stageID string) StageResult {
	if res, ok := r.StageResults[stageID]; ok && res != nil {
		return res
	}
	return NotStarted{}
}

func (r *Run) clone() *Run {
	c := *r
	c.StageResults = make(map[string]StageResult, len(r.StageResults))
	for k, v := range r.StageResults {
		c.StageResults[k] = v
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
