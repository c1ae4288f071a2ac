//go:build integration

package proptalk_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proptalk "github.com/proptalk/proptalk/sdk/golang"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T, env string) string {
	t.Helper()
	tok := os.Getenv(env)
	if tok == "" {
		t.Skipf("%s environment variable is required", env)
	}
	return tok
}

func newClient(t *testing.T, env string) *proptalk.Client {
	t.Helper()
	if base := os.Getenv("PROPTALK_URL"); base != "" {
		return proptalk.NewClient(token(t, env), proptalk.WithBaseURL(base))
	}
	return proptalk.NewClient(token(t, env))
}

func connect(t *testing.T, c *proptalk.Client) *proptalk.Session {
	t.Helper()
	sess := c.NewSession(&proptalk.Config{AutoReconnect: true})
	t.Cleanup(func() { sess.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	return sess
}

func propertyID() string {
	if v := os.Getenv("PROPTALK_PROPERTY"); v != "" {
		return v
	}
	return "it-property"
}

// =======================================================================

func TestIntegrationHealth(t *testing.T) {
	h, err := newClient(t, "PROPTALK_TOKEN").Health(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, h.Status)
}

func TestIntegrationSendAndReceive(t *testing.T) {
	sender := connect(t, newClient(t, "PROPTALK_TOKEN"))
	receiver := connect(t, newClient(t, "PROPTALK_PEER_TOKEN"))
	require.NotEqual(t, sender.Viewer().UserID, receiver.Viewer().UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prop := propertyID()
	_, err := sender.Resolve(ctx, prop, "")
	require.NoError(t, err)
	_, err = receiver.Resolve(ctx, prop, "")
	require.NoError(t, err)

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())
	out, err := sender.Send(ctx, prop, content, proptalk.TypeText)
	require.NoError(t, err)
	msg, err := out.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, msg.IsProvisional())

	require.Eventually(t, func() bool {
		for _, m := range receiver.Log(prop) {
			if m.ID == msg.ID {
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond)

	count := 0
	for _, m := range sender.Log(prop) {
		if m.Content == content {
			count++
		}
	}
	assert.Equal(t, 1, count)

	require.NoError(t, receiver.MarkRead(ctx, prop))
	assert.Equal(t, 0, receiver.UnreadCount(prop))
}
