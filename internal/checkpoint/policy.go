package checkpoint

import (
	"fmt"
	"time"

	"ralphd/internal/actor"
)

// DefinitionSpec is the configuration-file form of a Definition.
type DefinitionSpec struct {
	Name             string         `yaml:"name"`
	Project          string         `yaml:"project,omitempty"`
	Type             Type           `yaml:"type"`
	MinFiles         int            `yaml:"min_files,omitempty"`
	Patterns         []string       `yaml:"patterns,omitempty"`
	MinCalls         int            `yaml:"min_calls,omitempty"`
	Services         []string       `yaml:"services,omitempty"`
	MaxCostUSD       float64        `yaml:"max_cost_usd,omitempty"`
	MaxElapsed       time.Duration  `yaml:"max_elapsed,omitempty"`
	Flag             string         `yaml:"flag,omitempty"`
	Point            Point          `yaml:"point,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval"`
	AutoApproveAfter *time.Duration `yaml:"auto_approve_after,omitempty"`
	ExpiresAfter     *time.Duration `yaml:"expires_after,omitempty"`
	Priority         int            `yaml:"priority,omitempty"`
}

// Build converts s into an active Definition.
func (s DefinitionSpec) Build() (*Definition, error) {
	var cond Condition
	switch s.Type {
	case TypeFileChange:
		cond = FileChange{MinFiles: s.MinFiles, Patterns: s.Patterns}
	case TypeExternalCall:
		cond = ExternalCall{MinCalls: s.MinCalls, Services: s.Services}
	case TypeCostThreshold:
		cond = CostThreshold{MaxCostUSD: s.MaxCostUSD}
	case TypeTimeThreshold:
		cond = TimeThreshold{MaxElapsed: s.MaxElapsed}
	case TypeCustom:
		cond = CustomFlag{Flag: s.Flag, Point: s.Point}
	default:
		return nil, fmt.Errorf("checkpoint %q: unknown type %q", s.Name, s.Type)
	}
	if err := cond.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %q: %w", s.Name, err)
	}
	return &Definition{
		ProjectID:        s.Project,
		Name:             s.Name,
		Condition:        cond,
		RequiresApproval: s.RequiresApproval,
		AutoApproveAfter: s.AutoApproveAfter,
		ExpiresAfter:     s.ExpiresAfter,
		Priority:         s.Priority,
		Active:           true,
	}, nil
}

// GateSpec is the configuration-file form of a Gate.
type GateSpec struct {
	Name         string            `yaml:"name"`
	Project      string            `yaml:"project,omitempty"`
	Task         string            `yaml:"task,omitempty"`
	Type         GateType          `yaml:"type"`
	Approvers    []string          `yaml:"approvers,omitempty"`
	MinApprovals int               `yaml:"min_approvals"`
	Conditions   map[string]string `yaml:"conditions,omitempty"`
}

// Build converts s into an active Gate.
func (s GateSpec) Build() (*Gate, error) {
	approvers := make([]actor.Actor, 0, len(s.Approvers))
	for _, a := range s.Approvers {
		parsed, err := actor.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", s.Name, err)
		}
		approvers = append(approvers, parsed)
	}
	return &Gate{
		ProjectID:    s.Project,
		TaskID:       s.Task,
		Name:         s.Name,
		Type:         s.Type,
		Approvers:    approvers,
		MinApprovals: s.MinApprovals,
		Conditions:   s.Conditions,
		Active:       true,
	}, nil
}
