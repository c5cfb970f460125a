package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/publisher/memory"
)

func notice() harvest.ProcessorNotice {
	return harvest.ProcessorNotice{RunID: "run-1", Queue: "primary", Batch: 2, Attempted: 4, Saved: 3, Location: "/tmp/ledger.sqlite"}
}

func TestExecPassesLocationAndFiltersMarkers(t *testing.T) {
	t.Parallel()

	p, err := NewExec(ExecConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "noise"; echo "Processed: $LEDGER ($HARVEST_BATCH)"; echo "Total: 3"`},
		EnvVar:  "LEDGER",
		Markers: []string{"Processed:", "Total:"},
	}, system.New(), nil)
	require.NoError(t, err)

	out := p.Run(context.Background(), notice())
	require.NoError(t, out.Err)
	require.True(t, out.OK)
	require.Equal(t, "Processed: /tmp/ledger.sqlite (2)\nTotal: 3", out.Detail)
}

func TestExecNonZeroExit(t *testing.T) {
	t.Parallel()

	p, err := NewExec(ExecConfig{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}}, system.New(), nil)
	require.NoError(t, err)

	out := p.Run(context.Background(), notice())
	require.False(t, out.OK)
	require.Error(t, out.Err)
	require.Equal(t, "boom", out.Detail)
}

func TestExecTimeout(t *testing.T) {
	t.Parallel()

	p, err := NewExec(ExecConfig{Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond}, system.New(), nil)
	require.NoError(t, err)

	out := p.Run(context.Background(), notice())
	require.False(t, out.OK)
	require.ErrorContains(t, out.Err, "timed out")
}

func TestNewExecRequiresCommand(t *testing.T) {
	t.Parallel()
	_, err := NewExec(ExecConfig{}, system.New(), nil)
	require.Error(t, err)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	p, err := NewPublish(pub, "harvest-batches", system.New(), nil)
	require.NoError(t, err)

	out := p.Run(context.Background(), notice())
	require.True(t, out.OK)
	require.Equal(t, "message memory-1", out.Detail)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "harvest-batches", msgs[0].Topic)
	var got harvest.ProcessorNotice
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, 3, got.Saved)

	pub.FailWith(errors.New("broker down"))
	out = p.Run(context.Background(), notice())
	require.False(t, out.OK)
	require.ErrorContains(t, out.Err, "broker down")
}
