package pipeline

import "github.com/cnap-oss/tmux-agents/internal/model"

// GetBuiltInPipelines returns the fixed seed templates. They are static data
// and never read from persisted state.
func GetBuiltInPipelines() []*Pipeline {
	return []*Pipeline{
		{
			ID:          "builtin-code-review",
			Name:        "Code Review",
			Description: "Analyze changes, review them and summarize findings.",
			Stages: []Stage{
				{ID: "analyze", Name: "Analyze", Type: StageSequential, AgentRole: model.RoleCoder,
					TaskDescription: "Analyze the changes in {{target}} and list the areas that need review."},
				{ID: "review", Name: "Review", Type: StageSequential, AgentRole: model.RoleReviewer,
					TaskDescription: "Review {{target}} for correctness, style and security issues.",
					DependsOn:       []string{"analyze"}},
				{ID: "summarize", Name: "Summarize", Type: StageSequential, AgentRole: model.RoleReviewer,
					TaskDescription: "Summarize the review findings for {{target}}.",
					DependsOn:       []string{"review"}},
			},
		},
		{
			ID:          "builtin-full-development",
			Name:        "Full Development",
			Description: "Plan, implement, test and review a feature.",
			Stages: []Stage{
				{ID: "plan", Name: "Plan", Type: StageSequential, AgentRole: model.RoleResearcher,
					TaskDescription: "Write an implementation plan for {{target}}."},
				{ID: "implement", Name: "Implement", Type: StageSequential, AgentRole: model.RoleCoder,
					TaskDescription: "Implement {{target}} following the plan.",
					DependsOn:       []string{"plan"}},
				{ID: "test", Name: "Test", Type: StageParallel, AgentRole: model.RoleTester,
					TaskDescription: "Write and run tests for {{target}}.",
					DependsOn:       []string{"implement"}},
				{ID: "review", Name: "Review", Type: StageParallel, AgentRole: model.RoleReviewer,
					TaskDescription: "Review the implementation of {{target}}.",
					DependsOn:       []string{"implement"}},
				{ID: "finalize", Name: "Finalize", Type: StageSequential, AgentRole: model.RoleCoder,
					TaskDescription: "Address test failures and review comments for {{target}}.",
					DependsOn:       []string{"test", "review"}},
			},
		},
		{
			ID:          "builtin-research-implement",
			Name:        "Research and Implement",
			Description: "Research an approach, then implement and verify it.",
			Stages: []Stage{
				{ID: "research", Name: "Research", Type: StageSequential, AgentRole: model.RoleResearcher,
					TaskDescription: "Research approaches for {{target}} and recommend one."},
				{ID: "implement", Name: "Implement", Type: StageSequential, AgentRole: model.RoleCoder,
					TaskDescription: "Implement the recommended approach for {{target}}.",
					DependsOn:       []string{"research"}},
				{ID: "verify", Name: "Verify", Type: StageSequential, AgentRole: model.RoleTester,
					TaskDescription: "Verify {{target}} works end to end.",
					DependsOn:       []string{"implement"}},
			},
		},
	}
}
