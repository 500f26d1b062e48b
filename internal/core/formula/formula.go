// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package formula implements the Formula Evaluator (spec §4.5): a pure
// string/number micro-DSL. It is a textual rewriter, never an evaluator of
// arbitrary host code, so it needs no sandbox — though its output is still
// untrusted string data.
package formula

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/hubactions/actioncore/internal/core/webhook/template"
)

const (
	MaxFormulaLength = 5000
	MaxInputLength   = 10000
	maxIterations    = 50
)

// DivisionByZeroSentinel is the well-defined result of dividing by zero
// (spec §4.5: "yields a well-defined sentinel; it does not throw").
const DivisionByZeroSentinel = "#DIV/0"

var (
	ErrFormulaTooLong = fmt.Errorf("formula: exceeds %d characters", MaxFormulaLength)
	ErrInputTooLong   = fmt.Errorf("formula: input exceeds %d characters", MaxInputLength)
)

// innermostCall matches the innermost function call: a function name
// followed by an argument list containing no further parentheses. Reducing
// matches in this order implements the "innermost-first" rule without a
// real parser.
var innermostCall = regexp.MustCompile(`(concat|upper|lower|trim|trimall|capitalize|substring|replace|length|if|default|round|floor|ceil|abs)\(([^()]*)\)`)

// Evaluate substitutes {{property}}/[[inputN]] placeholders, then reduces
// function calls and infix arithmetic innermost-first by fixed-point
// iteration, bounded by maxIterations to cap cost on adversarial input.
func Evaluate(formula string, properties map[string]any, inputs []string) (string, error) {
	if len(formula) > MaxFormulaLength {
		return "", ErrFormulaTooLong
	}
	for _, in := range inputs {
		if len(in) > MaxInputLength {
			return "", ErrInputTooLong
		}
	}

	expr := template.Substitute(formula, properties, inputs)

	for i := 0; i < maxIterations; i++ {
		reduced, changed, err := reduceOnce(expr)
		if err != nil {
			return "", err
		}
		if !changed {
			expr = reduced
			break
		}
		expr = reduced
	}

	expr = reduceInfix(expr)
	return expr, nil
}

func reduceOnce(expr string) (string, bool, error) {
	changed := false
	var evalErr error

	result := innermostCall.ReplaceAllStringFunc(expr, func(match string) string {
		m := innermostCall.FindStringSubmatch(match)
		name, argsRaw := m[1], m[2]
		args := splitArgs(argsRaw)
		for i := range args {
			args[i] = unquote(reduceInfix(strings.TrimSpace(args[i])))
		}

		val, err := callFunction(name, args)
		if err != nil {
			evalErr = err
			return match
		}
		changed = true
		return val
	})

	return result, changed, evalErr
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func callFunction(name string, args []string) (string, error) {
	switch name {
	case "concat":
		return strings.Join(args, ""), nil
	case "upper":
		return strings.ToUpper(arg(args, 0)), nil
	case "lower":
		return strings.ToLower(arg(args, 0)), nil
	case "trim":
		return strings.TrimSpace(arg(args, 0)), nil
	case "trimall":
		return strings.ReplaceAll(arg(args, 0), " ", ""), nil
	case "capitalize":
		s := arg(args, 0)
		if s == "" {
			return "", nil
		}
		return strings.ToUpper(s[:1]) + s[1:], nil
	case "substring":
		return substring(args)
	case "replace":
		if len(args) != 3 {
			return "", fmt.Errorf("formula: replace requires 3 arguments")
		}
		return strings.ReplaceAll(args[0], args[1], args[2]), nil
	case "length":
		return strconv.Itoa(len(arg(args, 0))), nil
	case "if":
		return ifFunc(args)
	case "default":
		if len(args) != 2 {
			return "", fmt.Errorf("formula: default requires 2 arguments")
		}
		if strings.TrimSpace(args[0]) == "" {
			return args[1], nil
		}
		return args[0], nil
	case "round":
		return roundFunc(args)
	case "floor":
		return mathFunc(args, math.Floor)
	case "ceil":
		return mathFunc(args, math.Ceil)
	case "abs":
		return mathFunc(args, math.Abs)
	default:
		return "", fmt.Errorf("formula: unknown function %q", name)
	}
}

// unquote strips a matching pair of double quotes wrapping a literal string
// argument (e.g. the " " separator in concat({{firstname}}," ",{{lastname}})).
// Substituted placeholder values are never wrapped in quotes by Substitute,
// so this only ever affects literal text the formula author wrote directly.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func arg(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return args[i]
}

func substring(args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("formula: substring requires at least 2 arguments")
	}
	s := args[0]
	start, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil || start < 0 || start > len(s) {
		return "", nil
	}
	end := len(s)
	if len(args) >= 3 {
		e, err := strconv.Atoi(strings.TrimSpace(args[2]))
		if err == nil && e >= start && e <= len(s) {
			end = e
		}
	}
	return s[start:end], nil
}

// isFalsey matches spec §4.5's "if" semantics: non-empty and not literally
// false/0/null/undefined selects the truthy branch.
func isFalsey(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "false", "0", "null", "undefined":
		return true
	default:
		return false
	}
}

func ifFunc(args []string) (string, error) {
	if len(args) != 3 {
		return "", fmt.Errorf("formula: if requires 3 arguments")
	}
	if isFalsey(args[0]) {
		return args[2], nil
	}
	return args[1], nil
}

func roundFunc(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("formula: round requires at least 1 argument")
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
	if err != nil {
		return "", fmt.Errorf("formula: round: %w", err)
	}
	precision := 0
	if len(args) >= 2 {
		if p, err := strconv.Atoi(strings.TrimSpace(args[1])); err == nil {
			precision = p
		}
	}
	factor := math.Pow(10, float64(precision))
	rounded := math.Round(n*factor) / factor
	return strconv.FormatFloat(rounded, 'f', precision, 64), nil
}

func mathFunc(args []string, fn func(float64) float64) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("formula: missing argument")
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
	if err != nil {
		return "", fmt.Errorf("formula: %w", err)
	}
	result := fn(n)
	if result == math.Trunc(result) {
		return strconv.FormatFloat(result, 'f', 0, 64), nil
	}
	return strconv.FormatFloat(result, 'f', -1, 64), nil
}
