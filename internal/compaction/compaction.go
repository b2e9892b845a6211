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

// Package compaction runs the idle-compaction sweep: a cron-scheduled
// pass over every non-archived workspace that replaces a chat history
// gone idle past its effective idleCompactionHours with a synthesized
// summary, via the same replaceChatHistory operation a client can call
// directly (spec §4.9).
package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/history"
	"github.com/muxrun/mux/internal/message"
)

// ChatReplacer is the subset of internal/wsservice.Service the sweep
// needs. Declared here, not in internal/wsservice, to keep the
// dependency pointing from compaction toward wsservice and never back.
type ChatReplacer interface {
	ReplaceChatHistory(workspaceID string, summary message.Message) error
}

// StreamChecker reports whether a workspace currently owns an active
// stream; the sweep must never replace history out from under a
// streaming turn.
type StreamChecker interface {
	IsStreaming(workspaceID string) bool
}

// Deps wires the sweep to the rest of the system.
type Deps struct {
	Config  *config.Store
	History *history.Store
	Chat    ChatReplacer
	Stream  StreamChecker
	Logger  *zap.Logger

	// Schedule is a standard 5-field cron expression controlling how
	// often the sweep runs; it does not affect idleCompactionHours
	// itself, only the polling cadence. Defaults to every 15 minutes.
	Schedule string

	// Now is substitutable in tests; defaults to time.Now.
	Now func() time.Time
}

// Sweeper periodically scans every project for workspaces idle past
// their effective idleCompactionHours and compacts them.
type Sweeper struct {
	deps Deps
	cron *cron.Cron
}

// New constructs a Sweeper. It does not start the cron engine; call Start.
func New(deps Deps) *Sweeper {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Schedule == "" {
		deps.Schedule = "*/15 * * * *"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Sweeper{
		deps: deps,
		cron: cron.New(),
	}
}

// Start registers the sweep job and starts the cron engine.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.deps.Schedule, func() {
		s.SweepOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("compaction: schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron engine and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// effectiveIdleHours resolves a project's idle-compaction threshold: a
// positive project-level override takes precedence over the global
// persistedSettings default; a project value of zero falls back to that
// default, and a zero result disables compaction for that project.
func effectiveIdleHours(doc *config.Document, projectOverride float64) float64 {
	if projectOverride > 0 {
		return projectOverride
	}
	return doc.PersistedSettings.ProjectDefaults.IdleCompactionHours
}

// SweepOnce runs a single pass over every project and workspace,
// compacting any that have gone idle past their threshold. Exported so
// callers (and tests) can trigger a deterministic pass without waiting
// on the cron schedule.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	doc := s.deps.Config.Load()
	now := s.deps.Now()

	for _, project := range doc.Projects {
		hours := effectiveIdleHours(doc, project.IdleCompactionHours)
		if hours <= 0 {
			continue
		}
		threshold := time.Duration(hours * float64(time.Hour))

		for _, ws := range project.Workspaces {
			if ws.IsArchived() {
				continue
			}
			if s.deps.Stream.IsStreaming(ws.ID) {
				continue
			}
			last, ok, err := s.deps.History.LastActivity(ws.ID)
			if err != nil {
				s.deps.Logger.Warn("compaction: read last activity", zap.String("workspaceId", ws.ID), zap.Error(err))
				continue
			}
			if !ok || now.Sub(last) < threshold {
				continue
			}

			summary := message.Message{
				ID:   fmt.Sprintf("compaction-%s-%d", ws.ID, now.Unix()),
				Role: message.System,
				Parts: []message.Part{
					message.NewTextPart(fmt.Sprintf(
						"Chat history compacted after %.1fh of inactivity. Prior context has been summarized and discarded to keep this workspace lightweight.",
						hours,
					)),
				},
				Metadata: message.Metadata{Synthetic: true},
			}
			if err := s.deps.Chat.ReplaceChatHistory(ws.ID, summary); err != nil {
				s.deps.Logger.Warn("compaction: replace chat history", zap.String("workspaceId", ws.ID), zap.Error(err))
				continue
			}
			s.deps.Logger.Info("compaction: compacted idle workspace",
				zap.String("workspaceId", ws.ID),
				zap.Float64("idleHours", hours))
		}
	}
}
