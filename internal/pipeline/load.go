package pipeline

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is the YAML document holding pipeline definitions.
type File struct {
	Pipelines []*Pipeline `yaml:"pipelines"`
}

// ParseFile decodes pipeline definitions and checks that every dependsOn
// entry names a stage of the same pipeline.
func ParseFile(data []byte) ([]*Pipeline, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}
	for _, p := range f.Pipelines {
		if p.ID == "" {
			return nil, fmt.Errorf("pipeline %q: id is required", p.Name)
		}
		for i, s := range p.Stages {
			if s.ID == "" {
				return nil, fmt.Errorf("pipeline %s: stage %d: id is required", p.ID, i)
			}
			if s.Type == "" {
				p.Stages[i].Type = StageSequential
			}
			for _, dep := range s.DependsOn {
				if p.stageIndex(dep) < 0 {
					return nil, fmt.Errorf("pipeline %s: stage %s: %w: %s", p.ID, s.ID, ErrStageNotFound, dep)
				}
			}
		}
	}
	return f.Pipelines, nil
}

// LoadPipelines reads a YAML file and registers every pipeline it defines.
func (e *Engine) LoadPipelines(path string) ([]*Pipeline, error) {
	//nolint:gosec // path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines file: %w", err)
	}
	defs, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(defs))
	for _, p := range defs {
		out = append(out, e.RegisterPipeline(p))
	}
	e.logger.Info("Pipelines loaded", zap.String("path", path), zap.Int("count", len(out)))
	return out, nil
}
