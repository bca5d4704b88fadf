//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/teamrelay/internal/activity"
	"github.com/nidhogg/teamrelay/internal/gateway"
)

func TestRedisStreamFollowsIssue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	streams, err := gateway.NewRedisStreamAdapter(testRedisURL, 100, testLogger)
	require.NoError(t, err)
	defer streams.Close()

	gw := gateway.NewGateway(gateway.BreakerSettings{}, testLogger)
	gw.Register(streams)
	require.NoError(t, gw.ConnectAll(ctx))

	events := streams.Subscribe(ctx, "ISS-R-1")
	// XREAD with "$" only sees entries added after the first call blocks.
	time.Sleep(200 * time.Millisecond)

	sessionID, err := gw.CreateAgentSession(ctx, "ISS-R-1")
	require.NoError(t, err)
	require.NoError(t, gw.PostActivity(ctx, sessionID, activity.Activity{
		Type:      activity.TypeAction,
		Action:    "Create task",
		Parameter: "Write tests",
	}))

	var got []*gateway.StreamEvent
	for len(got) < 2 {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("received %d of 2 events", len(got))
		}
	}

	assert.Equal(t, "session", got[0].Kind)
	assert.Equal(t, sessionID, got[0].SessionID)
	assert.Equal(t, "activity", got[1].Kind)
	assert.Equal(t, "Create task", got[1].Action)
	assert.Equal(t, "Write tests", got[1].Parameter)
}
