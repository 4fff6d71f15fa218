package checkpoint

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Condition is the type-specific trigger rule of a definition.
type Condition interface {
	Type() Type
	// Match reports whether bc satisfies the condition, with a human
	// readable reason.
	Match(bc BoundaryContext) (bool, string)
	// Capture returns the trigger data recorded when the condition fires.
	Capture(bc BoundaryContext) TriggerData
	// Validate rejects conditions that could never fire or would fire at
	// every boundary.
	Validate() error
}

// FileChange fires when at least MinFiles changed files match Patterns
// (all files when Patterns is empty).
type FileChange struct {
	MinFiles int      `json:"min_files"`
	Patterns []string `json:"patterns,omitempty"`
}

// Type implements Condition.
func (FileChange) Type() Type { return TypeFileChange }

// Match implements Condition.
func (c FileChange) Match(bc BoundaryContext) (bool, string) {
	files := c.matching(bc.FilesChanged)
	threshold := max(c.MinFiles, 1)
	if len(files) < threshold {
		return false, ""
	}
	if len(c.Patterns) > 0 {
		return true, fmt.Sprintf("%d changed files match %s (threshold %d)", len(files), strings.Join(c.Patterns, ", "), threshold)
	}
	return true, fmt.Sprintf("%d files changed (threshold %d)", len(files), threshold)
}

// Capture implements Condition.
func (c FileChange) Capture(bc BoundaryContext) TriggerData {
	return TriggerData{Type: TypeFileChange, FilesChanged: c.matching(bc.FilesChanged)}
}

// Validate implements Condition.
func (c FileChange) Validate() error {
	if c.MinFiles < 0 {
		return fmt.Errorf("%w: min_files must not be negative", ErrInvalidCondition)
	}
	for _, p := range c.Patterns {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidCondition, p, err)
		}
	}
	return nil
}

func (c FileChange) matching(files []string) []string {
	if len(c.Patterns) == 0 {
		return slices.Clone(files)
	}
	globs := make([]glob.Glob, 0, len(c.Patterns))
	for _, p := range c.Patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			continue
		}
		globs = append(globs, g)
	}
	var out []string
	for _, f := range files {
		for _, g := range globs {
			if g.Match(f) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// ExternalCall fires when at least MinCalls external calls were made to
// Services (any service when Services is empty).
type ExternalCall struct {
	MinCalls int      `json:"min_calls"`
	Services []string `json:"services,omitempty"`
}

// Type implements Condition.
func (ExternalCall) Type() Type { return TypeExternalCall }

// Match implements Condition.
func (c ExternalCall) Match(bc BoundaryContext) (bool, string) {
	calls := c.matching(bc.ExternalCalls)
	threshold := max(c.MinCalls, 1)
	if len(calls) < threshold {
		return false, ""
	}
	return true, fmt.Sprintf("%d external calls (threshold %d)", len(calls), threshold)
}

// Capture implements Condition.
func (c ExternalCall) Capture(bc BoundaryContext) TriggerData {
	return TriggerData{Type: TypeExternalCall, ExternalCalls: c.matching(bc.ExternalCalls)}
}

// Validate implements Condition.
func (c ExternalCall) Validate() error {
	if c.MinCalls < 0 {
		return fmt.Errorf("%w: min_calls must not be negative", ErrInvalidCondition)
	}
	return nil
}

func (c ExternalCall) matching(calls []string) []string {
	if len(c.Services) == 0 {
		return slices.Clone(calls)
	}
	var out []string
	for _, call := range calls {
		if slices.Contains(c.Services, call) {
			out = append(out, call)
		}
	}
	return out
}

// CostThreshold fires once accumulated cost reaches MaxCostUSD.
type CostThreshold struct {
	MaxCostUSD float64 `json:"max_cost_usd"`
}

// Type implements Condition.
func (CostThreshold) Type() Type { return TypeCostThreshold }

// Match implements Condition.
func (c CostThreshold) Match(bc BoundaryContext) (bool, string) {
	if bc.CostUSD < c.MaxCostUSD {
		return false, ""
	}
	return true, fmt.Sprintf("cost $%.2f reached threshold $%.2f", bc.CostUSD, c.MaxCostUSD)
}

// Capture implements Condition.
func (CostThreshold) Capture(bc BoundaryContext) TriggerData {
	return TriggerData{Type: TypeCostThreshold, CostUSD: bc.CostUSD}
}

// Validate implements Condition.
func (c CostThreshold) Validate() error {
	if c.MaxCostUSD <= 0 {
		return fmt.Errorf("%w: max_cost_usd must be positive", ErrInvalidCondition)
	}
	return nil
}

// TimeThreshold fires once elapsed time reaches MaxElapsed.
type TimeThreshold struct {
	MaxElapsed time.Duration `json:"max_elapsed"`
}

// Type implements Condition.
func (TimeThreshold) Type() Type { return TypeTimeThreshold }

// Match implements Condition.
func (c TimeThreshold) Match(bc BoundaryContext) (bool, string) {
	if bc.Elapsed < c.MaxElapsed {
		return false, ""
	}
	return true, fmt.Sprintf("elapsed %s reached threshold %s", bc.Elapsed.Round(time.Second), c.MaxElapsed)
}

// Capture implements Condition.
func (TimeThreshold) Capture(bc BoundaryContext) TriggerData {
	return TriggerData{Type: TypeTimeThreshold, Elapsed: bc.Elapsed}
}

// Validate implements Condition.
func (c TimeThreshold) Validate() error {
	if c.MaxElapsed <= 0 {
		return fmt.Errorf("%w: max_elapsed must be positive", ErrInvalidCondition)
	}
	return nil
}

// CustomFlag fires when the boundary context carries Flag set to true,
// or at the lifecycle point named by Point.
type CustomFlag struct {
	Flag  string `json:"flag,omitempty"`
	Point Point  `json:"point,omitempty"`
}

// Type implements Condition.
func (CustomFlag) Type() Type { return TypeCustom }

// Match implements Condition.
func (c CustomFlag) Match(bc BoundaryContext) (bool, string) {
	if c.Flag != "" && bc.Flags[c.Flag] {
		return true, "flag " + c.Flag + " raised"
	}
	if c.Point != "" && bc.Point == c.Point {
		return true, "reached " + string(c.Point)
	}
	return false, ""
}

// Capture implements Condition.
func (c CustomFlag) Capture(BoundaryContext) TriggerData {
	return TriggerData{Type: TypeCustom, Flag: c.Flag}
}

// Validate implements Condition.
func (c CustomFlag) Validate() error {
	if c.Flag == "" && c.Point == "" {
		return fmt.Errorf("%w: custom checkpoints need a flag or a point", ErrInvalidCondition)
	}
	return nil
}

type conditionEnvelope struct {
	Type   Type            `json:"type"`
	Config json.RawMessage `json:"config"`
}

// MarshalCondition encodes c with its type tag.
func MarshalCondition(c Condition) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil condition")
	}
	cfg, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionEnvelope{Type: c.Type(), Config: cfg})
}

// UnmarshalCondition decodes a value written by MarshalCondition.
func UnmarshalCondition(data []byte) (Condition, error) {
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding condition: %w", err)
	}
	var c Condition
	var err error
	switch env.Type {
	case TypeFileChange:
		var v FileChange
		err = json.Unmarshal(env.Config, &v)
		c = v
	case TypeExternalCall:
		var v ExternalCall
		err = json.Unmarshal(env.Config, &v)
		c = v
	case TypeCostThreshold:
		var v CostThreshold
		err = json.Unmarshal(env.Config, &v)
		c = v
	case TypeTimeThreshold:
		var v TimeThreshold
		err = json.Unmarshal(env.Config, &v)
		c = v
	case TypeCustom:
		var v CustomFlag
		err = json.Unmarshal(env.Config, &v)
		c = v
	default:
		return nil, fmt.Errorf("decoding condition: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s condition: %w", env.Type, err)
	}
	return c, nil
}
