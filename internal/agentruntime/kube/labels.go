package kube

import (
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
)

// Pod labels carrying task and provider identity. The watcher and
// reconciliation read them back.
const (
	LabelApp       = "app"
	LabelManaged   = "tmux-agents/managed"
	LabelTaskID    = "tmux-agents/task-id"
	LabelTaskName  = "tmux-agents/task-name"
	LabelProvider  = "tmux-agents/provider"
	LabelAgentID   = "tmux-agents/agent-id"
	LabelPool      = "pool"
	LabelClaimedBy = "tmux-agents/claimed-by"

	AppName = "tmux-agents"
)

// ManagedSelector selects every pod running an agent, pooled or not.
const ManagedSelector = LabelManaged + "=true"

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LabelValue sanitizes s into a valid label value.
func LabelValue(s string) string {
	v := invalidLabelChars.ReplaceAllString(s, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}

// PhaseToState maps a pod phase onto the runtime agent state.
func PhaseToState(phase corev1.PodPhase) agentruntime.RunState {
	switch phase {
	case corev1.PodPending:
		return agentruntime.RunStarting
	case corev1.PodRunning:
		return agentruntime.RunRunning
	case corev1.PodSucceeded:
		return agentruntime.RunCompleted
	default:
		return agentruntime.RunFailed
	}
}
