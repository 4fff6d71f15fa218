package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileChange(t *testing.T) {
	bc := BoundaryContext{FilesChanged: []string{"cmd/main.go", "internal/db/schema.sql", "README.md"}}

	ok, reason := FileChange{MinFiles: 3}.Match(bc)
	assert.True(t, ok)
	assert.Contains(t, reason, "3 files changed")

	ok, _ = FileChange{MinFiles: 4}.Match(bc)
	assert.False(t, ok)

	sqlOnly := FileChange{MinFiles: 1, Patterns: []string{"**/*.sql"}}
	ok, _ = sqlOnly.Match(bc)
	assert.True(t, ok)
	assert.Equal(t, []string{"internal/db/schema.sql"}, sqlOnly.Capture(bc).FilesChanged)

	ok, _ = FileChange{MinFiles: 1, Patterns: []string{"*.sql"}}.Match(bc)
	assert.False(t, ok, "single star must not cross directories")
}

func TestExternalCall(t *testing.T) {
	bc := BoundaryContext{ExternalCalls: []string{"github", "stripe", "github"}}
	ok, _ := ExternalCall{MinCalls: 2, Services: []string{"github"}}.Match(bc)
	assert.True(t, ok)
	ok, _ = ExternalCall{MinCalls: 1, Services: []string{"twilio"}}.Match(bc)
	assert.False(t, ok)
	ok, _ = ExternalCall{}.Match(bc)
	assert.True(t, ok, "zero threshold means any call")
}

func TestThresholds(t *testing.T) {
	ok, _ := CostThreshold{MaxCostUSD: 5}.Match(BoundaryContext{CostUSD: 4.99})
	assert.False(t, ok)
	ok, _ = CostThreshold{MaxCostUSD: 5}.Match(BoundaryContext{CostUSD: 5})
	assert.True(t, ok)

	ok, _ = TimeThreshold{MaxElapsed: time.Hour}.Match(BoundaryContext{Elapsed: 59 * time.Minute})
	assert.False(t, ok)
	ok, _ = TimeThreshold{MaxElapsed: time.Hour}.Match(BoundaryContext{Elapsed: 2 * time.Hour})
	assert.True(t, ok)
}

func TestCustomFlag(t *testing.T) {
	c := CustomFlag{Flag: "touches_prod"}
	ok, _ := c.Match(BoundaryContext{Flags: map[string]bool{"touches_prod": true}})
	assert.True(t, ok)
	ok, _ = c.Match(BoundaryContext{})
	assert.False(t, ok)

	atCommit := CustomFlag{Point: PointPreCommit}
	ok, _ = atCommit.Match(BoundaryContext{Point: PointPreCommit})
	assert.True(t, ok)
}

func TestConditionEnvelope(t *testing.T) {
	conds := []Condition{
		FileChange{MinFiles: 2, Patterns: []string{"*.go"}},
		ExternalCall{MinCalls: 1, Services: []string{"github"}},
		CostThreshold{MaxCostUSD: 1.5},
		TimeThreshold{MaxElapsed: 90 * time.Second},
		CustomFlag{Flag: "x"},
	}
	for _, c := range conds {
		t.Run(string(c.Type()), func(t *testing.T) {
			data, err := MarshalCondition(c)
			require.NoError(t, err)
			got, err := UnmarshalCondition(data)
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
	_, err := UnmarshalCondition([]byte(`{"type":"weather","config":{}}`))
	assert.Error(t, err)
}

func TestOrderDefinitions(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	defs := []Definition{
		{ID: "global-high", Priority: 100, CreatedAt: base},
		{ID: "project-low", ProjectID: "p", Priority: 1, CreatedAt: base},
		{ID: "project-high-later", ProjectID: "p", Priority: 10, CreatedAt: base.Add(time.Minute)},
		{ID: "project-high", ProjectID: "p", Priority: 10, CreatedAt: base},
		{ID: "global-low", Priority: 0, CreatedAt: base},
	}
	orderDefinitions(defs)
	var ids []string
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"project-high", "project-high-later", "project-low", "global-high", "global-low"}, ids)
}

func TestPendingGateCount(t *testing.T) {
	now := time.Now()
	approvers := []string{"human:a", "human:b", "human:c"}
	gs := GateSpec{Name: "deploy", Type: GatePreCommit, Approvers: approvers, MinApprovals: 2}
	g, err := gs.Build()
	require.NoError(t, err)

	pg := &PendingGate{Approvers: g.Approvers, MinApprovals: 2, Status: GatePending}
	pg.count(DecisionApproved, g.Approvers[0], now)
	assert.Equal(t, GatePending, pg.Status)
	pg.count(DecisionApproved, g.Approvers[1], now)
	assert.Equal(t, GateApproved, pg.Status)

	pg = &PendingGate{Approvers: g.Approvers, MinApprovals: 2, Status: GatePending}
	pg.count(DecisionRejected, g.Approvers[0], now)
	assert.Equal(t, GatePending, pg.Status)
	pg.count(DecisionAbstained, g.Approvers[1], now)
	assert.Equal(t, GateRejected, pg.Status, "one approver left cannot reach two approvals")
	require.NotNil(t, pg.ResolvedAt)
}

func TestDefinitionSpecBuild(t *testing.T) {
	d, err := DefinitionSpec{Name: "cost", Type: TypeCostThreshold, MaxCostUSD: 10, RequiresApproval: true}.Build()
	require.NoError(t, err)
	assert.Equal(t, TypeCostThreshold, d.Type())
	assert.True(t, d.Active)

	_, err = DefinitionSpec{Name: "cost", Type: TypeCostThreshold}.Build()
	assert.Error(t, err)
	_, err = DefinitionSpec{Name: "x", Type: "weather"}.Build()
	assert.Error(t, err)
}

func TestConditionValidate(t *testing.T) {
	valid := []Condition{
		FileChange{MinFiles: 1, Patterns: []string{"**/*.sql", "migrations/*"}},
		ExternalCall{},
		CostThreshold{MaxCostUSD: 0.5},
		TimeThreshold{MaxElapsed: time.Minute},
		CustomFlag{Point: PointPreCommit},
	}
	for _, c := range valid {
		assert.NoError(t, c.Validate(), c.Type())
	}

	invalid := map[string]Condition{
		"bad glob":       FileChange{MinFiles: 1, Patterns: []string{"src/[a-"}},
		"negative files": FileChange{MinFiles: -1},
		"negative calls": ExternalCall{MinCalls: -2},
		"zero cost":      CostThreshold{},
		"zero elapsed":   TimeThreshold{},
		"empty custom":   CustomFlag{},
	}
	for name, c := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, c.Validate(), ErrInvalidCondition)
		})
	}
}
