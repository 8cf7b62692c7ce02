// Package supervisor는 파드 워처가 보내는 AgentEvent를 오케스트레이터의 에이전트 상태로 옮깁니다.
package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime/kube"
	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
)

// Source는 AgentEvent를 구독할 수 있는 워처입니다.
type Source interface {
	Subscribe(fn func(kube.AgentEvent))
	OnError(fn func(error))
}

// Server는 supervisor 서버를 나타냅니다.
type Server struct {
	logger  *zap.Logger
	orch    *orchestrator.Orchestrator
	source  Source
	started atomic.Bool
	errors  atomic.Int64
}

// NewServer는 새로운 supervisor 서버를 생성합니다.
func NewServer(logger *zap.Logger, orch *orchestrator.Orchestrator, source Source) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger.Named("supervisor"),
		orch:   orch,
		source: source,
	}
}

// Attach는 워처를 구독합니다. 여러 번 불러도 한 번만 등록됩니다.
func (s *Server) Attach() {
	if s.source == nil || !s.started.CompareAndSwap(false, true) {
		return
	}
	s.source.Subscribe(s.Handle)
	s.source.OnError(func(err error) {
		s.errors.Add(1)
		s.logger.Warn("Pod watch error", zap.Error(err))
	})
}

// Start는 워처를 구독하고 ctx가 끝날 때까지 블록합니다.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting supervisor server")

	s.Attach()
	<-ctx.Done()
	s.logger.Info("Supervisor server shutting down")
	return ctx.Err()
}

// Stop은 supervisor 서버를 정상적으로 종료합니다.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping supervisor server")
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("shutdown timeout exceeded: %w", err)
	}
	s.logger.Info("Supervisor server stopped")
	return nil
}

// WatchErrors는 지금까지 받은 워치 에러 수입니다.
func (s *Server) WatchErrors() int64 { return s.errors.Load() }

// Handle은 하나의 AgentEvent를 오케스트레이터 상태로 반영합니다.
// 에이전트를 찾지 못한 이벤트는 무시합니다.
func (s *Server) Handle(ev kube.AgentEvent) {
	agent := s.lookup(ev)
	if agent == nil {
		s.logger.Debug("Event for unknown agent",
			zap.String("event", string(ev.Type)),
			zap.String("pod", ev.PodName),
			zap.String("task_id", ev.TaskID),
		)
		return
	}

	switch ev.Type {
	case kube.EventRunning:
		if agent.State != model.AgentWorking {
			s.orch.UpdateAgentState(agent.ID, model.AgentWorking, nil)
		}
	case kube.EventCompleted:
		// Idle 복귀가 들고 있던 태스크의 완료로 이어진다.
		s.orch.UpdateAgentState(agent.ID, model.AgentIdle, nil)
	case kube.EventFailed:
		msg := fmt.Sprintf("pod %s failed (phase %s)", ev.PodName, ev.Phase)
		if agent.CurrentTaskID != "" {
			s.orch.FailTask(agent.CurrentTaskID, msg)
		}
		s.orch.UpdateAgentState(agent.ID, model.AgentError, &msg)
	case kube.EventDeleted:
		s.orch.RemoveAgent(agent.ID)
	default:
		return
	}
	s.logger.Info("Agent event applied",
		zap.String("event", string(ev.Type)),
		zap.String("agent_id", agent.ID),
		zap.String("pod", ev.PodName),
	)
}

func (s *Server) lookup(ev kube.AgentEvent) *model.Agent {
	if id := ev.Labels[kube.LabelAgentID]; id != "" {
		if a := s.orch.GetAgent(id); a != nil {
			return a
		}
	}
	if ev.TaskID == "" {
		return nil
	}
	for _, a := range s.orch.GetAllAgents() {
		if a.CurrentTaskID == ev.TaskID {
			return a
		}
	}
	return nil
}
