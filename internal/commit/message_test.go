package commit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name        string
		persona     string
		stepID      int
		description string
		want        string
	}{
		{
			name:        "canonical form",
			persona:     "DEVELOPER",
			stepID:      7,
			description: "implement checkpoint resume",
			want:        "[DEVELOPER] [STEP-007] implement checkpoint resume",
		},
		{
			name:        "persona uppercased",
			persona:     "qa",
			stepID:      42,
			description: "add regression coverage",
			want:        "[QA] [STEP-042] add regression coverage",
		},
		{
			name:        "three digit step",
			persona:     "OPS",
			stepID:      123,
			description: "rotate deploy credentials",
			want:        "[OPS] [STEP-123] rotate deploy credentials",
		},
		{
			name:        "quotes escaped",
			persona:     "REVIEWER",
			stepID:      1,
			description: `rename "old" helper`,
			want:        `[REVIEWER] [STEP-001] rename \"old\" helper`,
		},
		{
			name:        "newlines escaped",
			persona:     "ANALYST",
			stepID:      2,
			description: "first\nsecond",
			want:        `[ANALYST] [STEP-002] first\nsecond`,
		},
		{
			name:        "whitespace trimmed",
			persona:     "  architect ",
			stepID:      3,
			description: "  define store boundaries  ",
			want:        "[ARCHITECT] [STEP-003] define store boundaries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMessage(tt.persona, tt.stepID, tt.description))
		})
	}
}

func TestParseMessage(t *testing.T) {
	persona, step, desc, err := ParseMessage("[DEVELOPER] [STEP-017] wire retry budget")
	require.NoError(t, err)
	assert.Equal(t, "DEVELOPER", persona)
	assert.Equal(t, 17, step)
	assert.Equal(t, "wire retry budget", desc)

	_, _, _, err = ParseMessage("fix: something")
	require.Error(t, err)
}

func TestValidateMessage(t *testing.T) {
	t.Run("clean message has no warnings", func(t *testing.T) {
		warnings, err := ValidateMessage("[DEVELOPER] [STEP-017] wire retry budget", 17)
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("structural mismatch is an error", func(t *testing.T) {
		_, err := ValidateMessage("just a plain message", 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match format")
	})

	t.Run("unknown persona warns only", func(t *testing.T) {
		warnings, err := ValidateMessage("[INTERN] [STEP-001] refresh fixture data", 1)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "persona", warnings[0].Field)
		assert.Contains(t, warnings[0].Detail, "INTERN")
	})

	t.Run("step outside range warns", func(t *testing.T) {
		warnings, err := ValidateMessage("[QA] [STEP-000] verify empty run handling", 0)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "step", warnings[0].Field)
	})

	t.Run("short description warns", func(t *testing.T) {
		warnings, err := ValidateMessage("[QA] [STEP-005] tiny", 5)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "description", warnings[0].Field)
	})

	t.Run("long description warns", func(t *testing.T) {
		long := strings.Repeat("x", 130)
		warnings, err := ValidateMessage("[QA] [STEP-005] "+long, 5)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, "description", warnings[0].Field)
	})

	t.Run("warnings accumulate", func(t *testing.T) {
		warnings, err := ValidateMessage("[INTERN] [STEP-000] nope", 0)
		require.NoError(t, err)
		assert.Len(t, warnings, 3)
	})
}

func TestCorrectMessageFormat(t *testing.T) {
	tests := []struct {
		name          string
		message       string
		wantCorrected bool
		wantMessage   string
	}{
		{
			name:          "canonical passthrough",
			message:       "[DEVELOPER] [STEP-017] wire retry budget",
			wantCorrected: false,
			wantMessage:   "[DEVELOPER] [STEP-017] wire retry budget",
		},
		{
			name:          "lowercase persona",
			message:       "[developer] [STEP-017] wire retry budget",
			wantCorrected: true,
			wantMessage:   "[DEVELOPER] [STEP-017] wire retry budget",
		},
		{
			name:          "short step id",
			message:       "[QA] [STEP-7] check resume path",
			wantCorrected: true,
			wantMessage:   "[QA] [STEP-007] check resume path",
		},
		{
			name:          "missing step block",
			message:       "[qa] check resume path",
			wantCorrected: true,
			wantMessage:   "[QA] [STEP-000] check resume path",
		},
		{
			name:          "bare prefix",
			message:       "fix: check resume path",
			wantCorrected: true,
			wantMessage:   "[FIX] [STEP-000] check resume path",
		},
		{
			name:          "no pattern matches",
			message:       "totally freeform message",
			wantCorrected: false,
			wantMessage:   "totally freeform message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CorrectMessageFormat(tt.message)
			require.NotNil(t, c)
			assert.Equal(t, tt.wantCorrected, c.Corrected)
			assert.Equal(t, tt.wantMessage, c.CorrectedMessage)
			if tt.wantCorrected {
				assert.NotEmpty(t, c.Corrections)
			}
		})
	}
}
