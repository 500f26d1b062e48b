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

package sandbox

import "strings"

// secretMasker replaces occurrences of known secret plaintext with "***" in
// any script-influenced string before it leaves the worker — a thrown error,
// a console.log call, or an output value can all embed a secret value
// verbatim even though the script itself never had a way to exfiltrate it
// over the network. This is the last line of defense for the non-leakage
// property, independent of the network/filesystem isolation goja already
// provides by construction.
type secretMasker struct {
	values []string
}

func newSecretMasker(secrets map[string]string) secretMasker {
	m := secretMasker{values: make([]string, 0, len(secrets))}
	for _, v := range secrets {
		if v != "" {
			m.values = append(m.values, v)
		}
	}
	return m
}

func (m secretMasker) mask(s string) string {
	for _, v := range m.values {
		if strings.Contains(s, v) {
			s = strings.ReplaceAll(s, v, "***")
		}
	}
	return s
}

func (m secretMasker) maskResult(res Result) Result {
	if len(m.values) == 0 {
		return res
	}
	res.Error = m.mask(res.Error)
	for i, line := range res.Console {
		res.Console[i] = m.mask(line)
	}
	for k, v := range res.Outputs {
		res.Outputs[k] = m.mask(v)
	}
	return res
}
