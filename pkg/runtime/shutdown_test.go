package runtime

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
)

func TestShutdownRequestOnceThenForce(t *testing.T) {
	sd := NewShutdownManager(time.Second, events.NewHub())

	assert.False(t, sd.IsShuttingDown())
	select {
	case <-sd.Requested():
		t.Fatal("requested channel closed before any request")
	default:
	}

	require.False(t, sd.Request("signal"))
	assert.True(t, sd.IsShuttingDown())
	assert.Equal(t, "signal", sd.Reason())
	select {
	case <-sd.Requested():
	default:
		t.Fatal("requested channel should be closed")
	}

	// The second request tells main to force-exit; the reason is kept.
	assert.True(t, sd.Request("second signal"))
	assert.Equal(t, "signal", sd.Reason())
}

func TestShutdownDrainExpiry(t *testing.T) {
	sd := NewShutdownManager(time.Millisecond, events.NewHub())
	assert.False(t, sd.DrainExpired(), "no deadline before a request")

	sd.Request("test")
	require.Eventually(t, sd.DrainExpired, time.Second, time.Millisecond)
}

func TestFinalizeForceDeliversDelayedUserMail(t *testing.T) {
	env := newLifecycleEnv(t, time.Hour)
	console := &syncBuffer{}
	gateway := NewUserGateway(console, env.conv, env.hub)
	sd := NewShutdownManager(time.Second, env.hub)

	deliverAt := time.Now().Add(time.Hour)
	require.NoError(t, env.bus.Send(&models.Message{
		From:      models.AgentRoot,
		To:        models.AgentUser,
		Content:   "parting words",
		DeliverAt: &deliverAt,
	}))
	require.Equal(t, 0, env.bus.QueueDepth(models.AgentUser), "message should be parked as delayed")

	sd.Request("test shutdown")
	sd.Finalize(env.bus, gateway, env.conv, env.org)

	assert.True(t, strings.Contains(console.String(), "parting words"),
		"delayed user mail must surface at shutdown")
	assert.Equal(t, 0, env.bus.Stats().Delayed)

	// Org state hit disk during finalize.
	reloaded := org.NewState(env.dataRoot)
	require.NoError(t, reloaded.Load())
	_, ok := reloaded.GetAgent(models.AgentRoot)
	assert.True(t, ok)
}
