package matheval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	cases := map[string]float64{
		"2 + 3 * 4":   14,
		"(2 + 3) * 4": 20,
		"10 / 4":      2.5,
		"10 % 3":      1,
		"2 ^ 3 ^ 2":   512, // right-assoc: 2^(3^2)
		"-5 + 3":      -2,
		"+5 - 3":      2,
	}
	for expr, want := range cases {
		got, err := Eval(expr)
		require.NoError(t, err, expr)
		assert.InDelta(t, want, got, 1e-9, expr)
	}
}

func TestFunctionsAndConstants(t *testing.T) {
	got, err := Eval("sqrt(16)")
	require.NoError(t, err)
	assert.InDelta(t, 4, got, 1e-9)

	got, err = Eval("pow(2, 10)")
	require.NoError(t, err)
	assert.InDelta(t, 1024, got, 1e-9)

	got, err = Eval("min(3, 1, 2)")
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 1e-9)

	got, err = Eval("max(3, 1, 2)")
	require.NoError(t, err)
	assert.InDelta(t, 3, got, 1e-9)

	got, err = Eval("pi")
	require.NoError(t, err)
	assert.InDelta(t, 3.14159265, got, 1e-6)
}

func TestRejectsUnknownIdentifier(t *testing.T) {
	_, err := Eval("frobnicate(1)")
	require.Error(t, err)

	_, err = Eval("x + 1")
	require.Error(t, err)
}

func TestRejectsDivisionByZero(t *testing.T) {
	_, err := Eval("1 / 0")
	require.Error(t, err)
}

func TestRejectsMalformedExpression(t *testing.T) {
	_, err := Eval("1 + ")
	require.Error(t, err)

	_, err = Eval("(1 + 2")
	require.Error(t, err)

	_, err = Eval("1 2")
	require.Error(t, err)
}
