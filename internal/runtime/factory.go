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

package runtime

import (
	"fmt"
	"path/filepath"

	"github.com/muxrun/mux/internal/workspace"
)

// For builds the Runtime implementation matching ws's RuntimeConfig.
// dir (the already-resolved workspace directory) roots the worktree and
// container modes; local mode runs in ws.ProjectPath and ssh mode in
// <SrcBaseDir>/<ws.ID> on the remote host, both ignoring dir.
func For(ws workspace.Workspace, dir string) (Runtime, error) {
	switch ws.RuntimeConfig.Mode {
	case workspace.RuntimeLocal:
		return NewLocal(ws.ProjectPath), nil
	case workspace.RuntimeWorktree:
		return NewWorktree(dir, ws.RuntimeConfig.SrcBaseDir), nil
	case workspace.RuntimeSSH:
		return NewSSH(ws.RuntimeConfig.Host, ws.RuntimeConfig.Port, ws.RuntimeConfig.IdentityFile, "", filepath.Join(ws.RuntimeConfig.SrcBaseDir, ws.ID)), nil
	case workspace.RuntimeContainer:
		return NewContainer(ws.RuntimeConfig.ContainerName, ws.RuntimeConfig.ContainerImage, dir)
	default:
		return nil, fmt.Errorf("runtime: unknown runtime mode %q", ws.RuntimeConfig.Mode)
	}
}
