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

package initstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/initstate"
)

func TestStartAppendEndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := initstate.NewManager(dir, zap.NewNop())

	require.NoError(t, m.StartInit("ws1", ".mux/init"))
	require.NoError(t, m.AppendOutput("ws1", "installing deps", false))
	require.NoError(t, m.AppendOutput("ws1", "warning: deprecated flag", true))
	require.NoError(t, m.EndInit("ws1", 0))

	snap, err := m.ReadInitStatus("ws1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, initstate.StatusSuccess, snap.Status)
	require.Len(t, snap.Lines, 2)
	assert.True(t, snap.Lines[1].IsError)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 0, *snap.ExitCode)
}

func TestEndInitNonZeroExitIsFailure(t *testing.T) {
	dir := t.TempDir()
	m := initstate.NewManager(dir, zap.NewNop())
	require.NoError(t, m.StartInit("ws1", ".mux/init"))
	require.NoError(t, m.EndInit("ws1", 7))

	snap, err := m.ReadInitStatus("ws1")
	require.NoError(t, err)
	assert.Equal(t, initstate.StatusFailure, snap.Status)
}

func TestWaitForInitReturnsImmediatelyWhenNoHookRan(t *testing.T) {
	dir := t.TempDir()
	m := initstate.NewManager(dir, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.WaitForInit(ctx, "never-started"))
}

func TestWaitForInitBlocksUntilEndInit(t *testing.T) {
	dir := t.TempDir()
	m := initstate.NewManager(dir, zap.NewNop())
	require.NoError(t, m.StartInit("ws1", ".mux/init"))

	done := make(chan error, 1)
	go func() {
		done <- m.WaitForInit(context.Background(), "ws1")
	}()

	select {
	case <-done:
		t.Fatal("WaitForInit returned before EndInit")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.EndInit("ws1", 0))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForInit did not unblock after EndInit")
	}
}

func TestWaitForInitReplaysAcrossManagerRestart(t *testing.T) {
	dir := t.TempDir()
	m1 := initstate.NewManager(dir, zap.NewNop())
	require.NoError(t, m1.StartInit("ws1", ".mux/init"))
	require.NoError(t, m1.EndInit("ws1", 0))

	m2 := initstate.NewManager(dir, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, m2.WaitForInit(ctx, "ws1"))
}

func TestEventsPublishedInOrder(t *testing.T) {
	dir := t.TempDir()
	m := initstate.NewManager(dir, zap.NewNop())
	sub, unsubscribe := m.Subscribe()
	defer unsubscribe()

	require.NoError(t, m.StartInit("ws1", ""))
	require.NoError(t, m.AppendOutput("ws1", "line", false))
	require.NoError(t, m.EndInit("ws1", 0))

	var kinds []initstate.EventKind
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []initstate.EventKind{initstate.EventInitStart, initstate.EventInitOutput, initstate.EventInitEnd}, kinds)
}
