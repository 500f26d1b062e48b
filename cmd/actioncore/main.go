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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "actioncore",
		Short: "HubSpot custom workflow action execution core",
		Long: `actioncore serves the three custom workflow action types (webhook, code,
and format) behind a shared security envelope: HMAC-signed inbound requests,
an SSRF-guarded outbound HTTP client, and a sandboxed JavaScript executor.`,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("actioncore %s (commit: %s)\n", version, commit)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
