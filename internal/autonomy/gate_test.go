package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		domain string
		want   Status
	}{
		{"blocked denies", LevelBlocked, "crm", StatusDeny},
		{"supervised requires approval", LevelSupervised, "crm", StatusRequireApproval},
		{"assisted requires approval", LevelAssisted, "loyalty", StatusRequireApproval},
		{"autonomous low-risk allows", LevelAutonomous, "crm", StatusAllow},
		{"autonomous high-risk requires approval", LevelAutonomous, "pricing", StatusRequireApproval},
		{"autonomous finance requires approval", LevelAutonomous, "finance", StatusRequireApproval},
		{"high-risk substring match", LevelAutonomous, "pricing-experiments", StatusRequireApproval},
		{"unknown level fails closed", Level("yolo"), "crm", StatusDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.level, "generate", tt.domain)
			assert.Equal(t, tt.want, d.Status)
			assert.Equal(t, "generate", d.Action)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecisionHelpers(t *testing.T) {
	assert.True(t, Decision{Status: StatusAllow}.Allowed())
	assert.True(t, Decision{Status: StatusRequireApproval}.Allowed())
	assert.False(t, Decision{Status: StatusDeny}.Allowed())

	assert.True(t, Decision{Status: StatusRequireApproval}.PendingApproval())
	assert.False(t, Decision{Status: StatusAllow}.PendingApproval())
}

func TestIsHighRisk(t *testing.T) {
	assert.True(t, IsHighRisk("pricing"))
	assert.True(t, IsHighRisk("Social-Intelligence"))
	assert.False(t, IsHighRisk("crm"))
	assert.False(t, IsHighRisk("loyalty"))
}
