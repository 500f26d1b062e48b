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

package formula

import (
	"regexp"
	"strconv"
)

// mulDiv and addSub match the two infix precedence tiers: × and ÷ reduce
// before + and − (spec §4.5 "Precedence").
var (
	mulDiv = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([*x×/÷])\s*(-?\d+(?:\.\d+)?)`)
	addSub = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([+\-−])\s*(-?\d+(?:\.\d+)?)`)
)

// reduceInfix repeatedly reduces multiplication/division, then
// addition/subtraction, until no further reduction occurs. Because each
// pass only ever combines two numeric operands, left-to-right chains such as
// "2*3*4" reduce correctly over successive passes.
func reduceInfix(expr string) string {
	for i := 0; i < maxIterations; i++ {
		reduced := mulDiv.ReplaceAllStringFunc(expr, reduceMulDiv)
		if reduced == expr {
			break
		}
		expr = reduced
	}
	for i := 0; i < maxIterations; i++ {
		reduced := addSub.ReplaceAllStringFunc(expr, reduceAddSub)
		if reduced == expr {
			break
		}
		expr = reduced
	}
	return expr
}

func reduceMulDiv(match string) string {
	m := mulDiv.FindStringSubmatch(match)
	a, _ := strconv.ParseFloat(m[1], 64)
	b, _ := strconv.ParseFloat(m[3], 64)

	switch m[2] {
	case "*", "x", "×":
		return formatNumber(a * b)
	case "/", "÷":
		if b == 0 {
			return DivisionByZeroSentinel
		}
		return formatNumber(a / b)
	}
	return match
}

func reduceAddSub(match string) string {
	m := addSub.FindStringSubmatch(match)
	a, _ := strconv.ParseFloat(m[1], 64)
	b, _ := strconv.ParseFloat(m[3], 64)

	switch m[2] {
	case "+":
		return formatNumber(a + b)
	case "-", "−":
		return formatNumber(a - b)
	}
	return match
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
