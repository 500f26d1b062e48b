package formula

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_ConcatUpper(t *testing.T) {
	props := map[string]any{"firstname": "Sri", "lastname": "K"}
	got, err := Evaluate(`upper(concat({{firstname}}," ",{{lastname}}))`, props, nil)
	require.NoError(t, err)
	require.Equal(t, "SRI K", got)
}

func TestEvaluate_RoundWithMultiplication(t *testing.T) {
	props := map[string]any{"amt": 10000}
	got, err := Evaluate(`round({{amt}}*1.18,2)`, props, nil)
	require.NoError(t, err)
	require.Equal(t, "11800.00", got)
}

func TestEvaluate_IfTruthy(t *testing.T) {
	props := map[string]any{"x": "yes"}
	got, err := Evaluate(`if({{x}},a,b)`, props, nil)
	require.NoError(t, err)
	require.Equal(t, "a", got)
}

func TestEvaluate_IfFalseyLiterals(t *testing.T) {
	for _, v := range []string{"false", "0", "null", "undefined", ""} {
		props := map[string]any{"x": v}
		got, err := Evaluate(`if({{x}},a,b)`, props, nil)
		require.NoError(t, err)
		require.Equal(t, "b", got, v)
	}
}

func TestEvaluate_DivisionByZero(t *testing.T) {
	props := map[string]any{"amt": 10}
	got, err := Evaluate(`{{amt}}/0`, props, nil)
	require.NoError(t, err)
	require.Equal(t, DivisionByZeroSentinel, got)
}

func TestEvaluate_FormulaTooLong(t *testing.T) {
	long := make([]byte, MaxFormulaLength+1)
	_, err := Evaluate(string(long), nil, nil)
	require.ErrorIs(t, err, ErrFormulaTooLong)
}

func TestEvaluate_Trim(t *testing.T) {
	got, err := Evaluate(`trim("  hi  ")`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hi", got)
}

func TestEvaluate_Trimall(t *testing.T) {
	got, err := Evaluate(`trimall("h i  there")`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hithere", got)
}

func TestEvaluate_Capitalize(t *testing.T) {
	got, err := Evaluate(`capitalize("world")`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "World", got)
}

func TestEvaluate_CapitalizeEmpty(t *testing.T) {
	got, err := Evaluate(`capitalize("")`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestEvaluate_Substring(t *testing.T) {
	got, err := Evaluate(`substring("hello world",0,5)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestEvaluate_SubstringNoEnd(t *testing.T) {
	got, err := Evaluate(`substring("hello world",6)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "world", got)
}

func TestEvaluate_SubstringOutOfRange(t *testing.T) {
	got, err := Evaluate(`substring("hi",10)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestEvaluate_Replace(t *testing.T) {
	got, err := Evaluate(`replace("foo bar foo",foo,baz)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "baz bar baz", got)
}

func TestEvaluate_Length(t *testing.T) {
	got, err := Evaluate(`length("hello")`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "5", got)
}

func TestEvaluate_Default(t *testing.T) {
	props := map[string]any{"x": ""}
	got, err := Evaluate(`default({{x}},fallback)`, props, nil)
	require.NoError(t, err)
	require.Equal(t, "fallback", got)
}

func TestEvaluate_DefaultPresent(t *testing.T) {
	props := map[string]any{"x": "value"}
	got, err := Evaluate(`default({{x}},fallback)`, props, nil)
	require.NoError(t, err)
	require.Equal(t, "value", got)
}

func TestEvaluate_Floor(t *testing.T) {
	got, err := Evaluate(`floor(3.7)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "3", got)
}

func TestEvaluate_Ceil(t *testing.T) {
	got, err := Evaluate(`ceil(3.2)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "4", got)
}

func TestEvaluate_Abs(t *testing.T) {
	got, err := Evaluate(`abs(-5.5)`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "5.5", got)
}

func TestEvaluate_NestedFunctionCalls(t *testing.T) {
	got, err := Evaluate(`upper(trim("  hi  "))`, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "HI", got)
}
