package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownToolReturnsSyntheticError(t *testing.T) {
	assessor := NewStaticAssessor(DefaultRiskTable, nil)
	d := New(assessor, nil)

	out := d.Dispatch("nonexistent_tool", nil)
	assert.Contains(t, out, "unknown tool")
}

func TestDeniedToolNeverInvokesExecute(t *testing.T) {
	invoked := false
	assessor := NewStaticAssessor(map[string]Tier{"run_command": TierHigh}, map[string]func(map[string]any) (bool, string){
		"run_command": func(params map[string]any) (bool, string) { return true, "path traversal detected" },
	})
	d := New(assessor, nil)
	d.Register(Tool{Name: "run_command", Execute: func(params map[string]any) (string, error) {
		invoked = true
		return "ran", nil
	}})

	out := d.Dispatch("run_command", nil)
	assert.Contains(t, out, "blocked:")
	assert.False(t, invoked)
}

func TestAllowedToolExecutesAndRecordsOutcome(t *testing.T) {
	assessor := NewStaticAssessor(DefaultRiskTable, nil)
	d := New(assessor, nil)
	d.Register(Tool{Name: "calculator", Execute: func(params map[string]any) (string, error) {
		return "42", nil
	}})

	out := d.Dispatch("calculator", nil)
	assert.Equal(t, "42", out)
	assert.Equal(t, 0.0, assessor.FailureRate("calculator"))
}

func TestToolFailureSurfacesAsErrorString(t *testing.T) {
	assessor := NewStaticAssessor(DefaultRiskTable, nil)
	d := New(assessor, nil)
	d.Register(Tool{Name: "calculator", Execute: func(params map[string]any) (string, error) {
		return "", errors.New("division by zero")
	}})

	out := d.Dispatch("calculator", nil)
	assert.Contains(t, out, "error:")
	assert.Equal(t, 1.0, assessor.FailureRate("calculator"))
}

func TestMediumHighExecutionsAreLoggedButPermitted(t *testing.T) {
	var logged []string
	assessor := NewStaticAssessor(map[string]Tier{"run_command": TierHigh}, nil)
	d := New(assessor, func(deny bool, toolName string, tier Tier, reason string) {
		logged = append(logged, toolName)
	})
	d.Register(Tool{Name: "run_command", Execute: func(params map[string]any) (string, error) {
		return "ok", nil
	}})

	out := d.Dispatch("run_command", nil)
	require.Equal(t, "ok", out)
	assert.Equal(t, []string{"run_command"}, logged)
}
