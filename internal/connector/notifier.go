package connector

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime/kube"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
)

// Sender는 Discord 채널로 메시지를 보내는 부분입니다. *discordgo.Session이 구현합니다.
type Sender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Sender = (*discordgo.Session)(nil)

const (
	colorGreen = 0x33cc33
	colorRed   = 0xcc3333
)

// FormatAgentEvent는 파드 이벤트 하나를 한 줄 메시지로 만듭니다.
func FormatAgentEvent(ev kube.AgentEvent) string {
	name := ev.TaskName
	if name == "" {
		name = ev.TaskID
	}
	line := fmt.Sprintf("[%s] task `%s` pod `%s`", ev.Type, name, ev.PodName)
	if ev.Provider != "" {
		line += fmt.Sprintf(" (%s)", ev.Provider)
	}
	if ev.Phase != "" {
		line += fmt.Sprintf(" phase=%s", ev.Phase)
	}
	return line
}

// TaskEmbed는 완료되었거나 실패한 태스크의 임베드를 만듭니다. 다른 이벤트는 nil입니다.
func TaskEmbed(ev orchestrator.Event) *discordgo.MessageEmbed {
	if ev.Task == nil {
		return nil
	}
	var embed *discordgo.MessageEmbed
	switch ev.Type {
	case orchestrator.EventTaskCompleted:
		embed = &discordgo.MessageEmbed{
			Title: fmt.Sprintf("태스크 완료: %s", ev.Task.ID),
			Color: colorGreen,
		}
	case orchestrator.EventTaskFailed:
		embed = &discordgo.MessageEmbed{
			Title:       fmt.Sprintf("태스크 실패: %s", ev.Task.ID),
			Description: fmt.Sprintf("```\n%s\n```", ev.Task.ErrorMessage),
			Color:       colorRed,
		}
	default:
		return nil
	}
	if ev.Task.Description != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "설명", Value: ev.Task.Description})
	}
	if ev.Agent != nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "에이전트", Value: ev.Agent.Name, Inline: true})
	}
	return embed
}
