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

// Package template implements the Webhook Executor's placeholder
// substitution (spec §4.3.1). Substitution is literal string interpolation —
// never evaluation of a templating language — so there is no helper syntax,
// no partials, and no directive grammar to exploit.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// MaxPathDepth caps recursion into nested structures to prevent stack
// exhaustion on adversarial inputs (spec §4.3.1).
const MaxPathDepth = 20

var (
	pathPlaceholder  = regexp.MustCompile(`\{\{([^}]*)\}\}`)
	inputPlaceholder = regexp.MustCompile(`\[\[input(\d+)\]\]`)
	pathSegment      = regexp.MustCompile(`([^.\[\]]+)|\[(\d+)\]`)
)

// forbiddenSegments are the property names that must never be traversed,
// regardless of depth, since they name prototype-chain internals in the
// object model this path syntax was adapted from.
var forbiddenSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Substitute replaces every {{path}} and [[inputN]] placeholder in s.
// properties is the workflow object's properties map; inputs is the list of
// action-configuration input fields, addressed 1-based by [[inputN]]
// ([[input1]] is inputs[0]). Unresolvable paths substitute as the
// empty string, never an error, matching testable property 8's "∅" results.
func Substitute(s string, properties map[string]any, inputs []string) string {
	s = inputPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		m := inputPlaceholder.FindStringSubmatch(match)
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > len(inputs) {
			return ""
		}
		return inputs[idx-1]
	})

	s = pathPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := ResolvePath(path, properties)
		if !ok {
			return ""
		}
		return stringify(val)
	})

	return s
}

// ResolvePath resolves a dotted path with array-index syntax (e.g.
// "items[0].values[1]") against root by compiling it into a jq program and
// running it with gojq — the same compile-then-run shape the jq executor
// uses for its own path expressions, applied here to the placeholder
// grammar's narrower subset (bracket-indexed member access only, no jq
// filters/pipes/builtins). It rejects traversal into
// __proto__/constructor/prototype at any segment before the query is even
// built, and stops with ok=false once MaxPathDepth segments have been
// consumed.
func ResolvePath(path string, root map[string]any) (any, bool) {
	if path == "" {
		return nil, false
	}

	segments := pathSegment.FindAllStringSubmatch(path, -1)
	if len(segments) == 0 || len(segments) > MaxPathDepth {
		return nil, false
	}

	var query strings.Builder
	for _, seg := range segments {
		name, idxStr := seg[1], seg[2]
		if idxStr != "" {
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, false
			}
			fmt.Fprintf(&query, "[%d]", idx)
			continue
		}
		if _, blocked := forbiddenSegments[name]; blocked {
			return nil, false
		}
		query.WriteString("[")
		query.WriteString(strconv.Quote(name))
		query.WriteString("]")
	}

	parsed, err := gojq.Parse("." + query.String())
	if err != nil {
		return nil, false
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, false
	}

	iter := code.Run(root)
	v, ok := iter.Next()
	if !ok || v == nil {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
