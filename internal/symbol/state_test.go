package symbol

import (
	"testing"
	"time"

	"ingestd/pkg/types"
)

func TestMachineTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to types.SymbolState
		ok       bool
	}{
		{types.StateInit, types.StateSnapshotPending, true},
		{types.StateSnapshotPending, types.StateApplyingSnapshot, true},
		{types.StateSnapshotPending, types.StateHalted, true},
		{types.StateApplyingSnapshot, types.StateLive, true},
		{types.StateApplyingSnapshot, types.StateResyncing, true},
		{types.StateLive, types.StateResyncing, true},
		{types.StateResyncing, types.StateSnapshotPending, true},
		{types.StateHalted, types.StateSnapshotPending, true},

		{types.StateInit, types.StateLive, false},
		{types.StateLive, types.StateHalted, false}, // halts only happen on a fetch, i.e. from SNAPSHOT_PENDING
		{types.StateLive, types.StateSnapshotPending, false},
		{types.StateHalted, types.StateLive, false},
	}

	for _, tt := range tests {
		m := NewMachine("BTCUSDT", time.Second, testLogger())
		m.state = tt.from

		err := m.Transition(tt.to, TriggerResyncAttempt)
		if tt.ok && err != nil {
			t.Errorf("Transition(%s -> %s) error = %v, want allowed", tt.from, tt.to, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("Transition(%s -> %s) succeeded, want rejected", tt.from, tt.to)
		}
	}
}

func TestReadyForResyncThrottles(t *testing.T) {
	t.Parallel()

	m := NewMachine("BTCUSDT", time.Second, testLogger())
	now := time.Now()

	if m.ReadyForResync(now) {
		t.Error("ReadyForResync = true immediately after construction, want throttled")
	}
	if !m.ReadyForResync(now.Add(2 * time.Second)) {
		t.Error("ReadyForResync = false after the resync interval elapsed, want true")
	}
}
