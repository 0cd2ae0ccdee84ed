package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() CreateDebateRequest {
	return CreateDebateRequest{
		Topic: "Should cities ban private cars?",
		Participants: []ParticipantSpec{
			{Name: "Proponent", Model: "gpt-4o"},
			{Name: "Opponent", Model: "claude-3-5-sonnet-20241022"},
		},
	}
}

func TestCreateDebateRequestValidate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		req := validRequest()
		require.NoError(t, req.Validate())
		assert.Equal(t, DefaultMaxRounds, req.MaxRounds)
		assert.Equal(t, DefaultContextWindowRounds, req.ContextWindowRounds)
		assert.Equal(t, DefaultCostWarningThreshold, req.CostWarningThreshold)
		assert.Equal(t, CadenceEachRound, req.JudgeCadence)
	})

	t.Run("missing topic", func(t *testing.T) {
		req := validRequest()
		req.Topic = ""
		assert.Error(t, req.Validate())
	})

	t.Run("too few participants", func(t *testing.T) {
		req := validRequest()
		req.Participants = req.Participants[:1]
		assert.Error(t, req.Validate())
	})

	t.Run("too many participants", func(t *testing.T) {
		req := validRequest()
		for _, name := range []string{"Third", "Fourth", "Fifth"} {
			req.Participants = append(req.Participants, ParticipantSpec{Name: name, Model: "gpt-4o-mini"})
		}
		assert.Error(t, req.Validate())
	})

	t.Run("duplicate names", func(t *testing.T) {
		req := validRequest()
		req.Participants[1].Name = req.Participants[0].Name
		assert.Error(t, req.Validate())
	})

	t.Run("negative rounds", func(t *testing.T) {
		req := validRequest()
		req.MaxRounds = -1
		assert.Error(t, req.Validate())
	})

	t.Run("bad cadence", func(t *testing.T) {
		req := validRequest()
		req.JudgeCadence = "hourly"
		assert.Error(t, req.Validate())
	})
}

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		name       string
		similarity float64
		confidence float64
		want       Severity
	}{
		{"critical", 0.96, 0.95, SeverityCritical},
		{"high similarity alone", 0.91, 0.5, SeverityHigh},
		{"high confidence alone", 0.86, 0.85, SeverityHigh},
		{"medium", 0.86, 0.5, SeverityMedium},
		{"low", 0.80, 0.4, SeverityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySeverity(tc.similarity, tc.confidence))
		})
	}
}

func TestStatusForScore(t *testing.T) {
	assert.Equal(t, HealthExcellent, StatusForScore(92))
	assert.Equal(t, HealthExcellent, StatusForScore(85))
	assert.Equal(t, HealthGood, StatusForScore(70))
	assert.Equal(t, HealthFair, StatusForScore(50))
	assert.Equal(t, HealthPoor, StatusForScore(49.9))
}

func TestParticipantByIndex(t *testing.T) {
	conv := &Conversation{Participants: []Participant{
		{Index: 0, Name: "A"},
		{Index: 1, Name: "B"},
	}}
	require.NotNil(t, conv.ParticipantByIndex(1))
	assert.Equal(t, "B", conv.ParticipantByIndex(1).Name)
	assert.Nil(t, conv.ParticipantByIndex(5))
}
