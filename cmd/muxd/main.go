// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command muxd is the orchestrator daemon: the composition root that
// wires every layer (L2-L11) together and serves the Workspace
// Service's HTTP+SSE surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "muxd",
		Short: "mux orchestrator daemon",
		Long:  "muxd runs the mux AI coding orchestrator: workspace lifecycle, agent streaming, and the HTTP+SSE surface a client drives it through.",
	}
	cmd.AddCommand(serveCmd())
	return cmd
}
