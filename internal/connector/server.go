// Package connector는 에이전트와 태스크 이벤트를 Discord 채널에 알립니다.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime/kube"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
)

// ErrMissingToken은 Discord 토큰 없이 세션을 열려 할 때 반환됩니다.
var ErrMissingToken = errors.New("discord token not set")

// queueSize는 전송 대기 메시지 수의 상한입니다. 가득 차면 새 메시지는 버려집니다.
const queueSize = 64

type message struct {
	content string
	embed   *discordgo.MessageEmbed
}

// Server는 connector 서버를 나타냅니다.
type Server struct {
	logger    *zap.Logger
	sender    Sender
	channelID string
	queue     chan message
}

// NewServer는 새로운 connector 서버를 생성합니다.
func NewServer(logger *zap.Logger, sender Sender, channelID string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:    logger.Named("connector"),
		sender:    sender,
		channelID: channelID,
		queue:     make(chan message, queueSize),
	}
}

// OpenSession은 봇 토큰으로 Discord 세션을 만듭니다. 게이트웨이 연결은 열지 않습니다.
func OpenSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	return dg, nil
}

// Attach는 워처와 오케스트레이터 이벤트를 알림 큐에 연결합니다. nil은 건너뜁니다.
func (s *Server) Attach(watcher interface{ Subscribe(func(kube.AgentEvent)) }, orch *orchestrator.Orchestrator) {
	if watcher != nil {
		watcher.Subscribe(s.NotifyAgentEvent)
	}
	if orch != nil {
		orch.Subscribe(s.NotifyTaskEvent)
	}
}

// NotifyAgentEvent는 파드 이벤트 한 줄을 큐에 넣습니다.
func (s *Server) NotifyAgentEvent(ev kube.AgentEvent) {
	s.enqueue(message{content: FormatAgentEvent(ev)})
}

// NotifyTaskEvent는 태스크 완료/실패 이벤트를 임베드로 큐에 넣습니다.
func (s *Server) NotifyTaskEvent(ev orchestrator.Event) {
	if embed := TaskEmbed(ev); embed != nil {
		s.enqueue(message{embed: embed})
	}
}

func (s *Server) enqueue(m message) {
	select {
	case s.queue <- m:
	default:
		s.logger.Warn("Notification queue full, dropping message")
	}
}

// Start는 connector 서버를 시작합니다. ctx가 끝날 때까지 큐의 메시지를 보냅니다.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting connector server", zap.String("channel_id", s.channelID))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Connector server shutting down")
			return ctx.Err()
		case m := <-s.queue:
			s.send(m)
		}
	}
}

func (s *Server) send(m message) {
	var err error
	if m.embed != nil {
		_, err = s.sender.ChannelMessageSendEmbed(s.channelID, m.embed)
	} else {
		_, err = s.sender.ChannelMessageSend(s.channelID, m.content)
	}
	if err != nil {
		s.logger.Warn("Failed to send Discord message", zap.Error(err))
	}
}

// Stop은 남은 메시지를 보내고 connector 서버를 정상적으로 종료합니다.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping connector server")

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout exceeded")
		case m := <-s.queue:
			s.send(m)
		default:
			s.logger.Info("Connector server stopped")
			return nil
		}
	}
}
