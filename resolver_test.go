package proptalk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent calls share one join", func(t *testing.T) {
		sess, srv := newTestSession(t, client1, nil)

		const n = 8
		var chans []<-chan resolveResult
		for i := 0; i < n; i++ {
			chans = append(chans, resolveAsync(sess, "p1", "t1"))
		}
		srv.expect(FrameJoin)
		// Let every caller reach the loop before answering.
		time.Sleep(50 * time.Millisecond)
		srv.push(FrameJoinAck, "", JoinAckPayload{PropertyID: "p1", TimelineID: "t1", ConversationID: "c1"})

		for _, ch := range chans {
			conv, err := waitResolve(t, ch)
			require.NoError(t, err)
			assert.Equal(t, "c1", conv.ID)
			assert.Equal(t, "t1", conv.TimelineID)
			assert.Equal(t, StatusActive, conv.Status)
		}
		srv.expectNone(30 * time.Millisecond)
	})

	t.Run("cached conversation needs no round trip", func(t *testing.T) {
		sess, srv := newTestSession(t, client1, nil)
		first := join(t, sess, srv, "p1")

		conv, err := sess.Resolve(ctx, "p1", "t-p1")
		require.NoError(t, err)
		assert.Equal(t, first, conv)
		srv.expectNone(30 * time.Millisecond)

		cached, ok := sess.Conversation("p1")
		assert.True(t, ok)
		assert.Equal(t, first, cached)
	})

	t.Run("join seeds the log without notifications", func(t *testing.T) {
		sess, srv := newTestSession(t, client1, nil)
		now := time.Now()
		join(t, sess, srv, "p1",
			wireMsg("m-1", agent1, "Hello", now.Add(-2*time.Minute)),
			wireMsg("m-2", client1, "Hi", now.Add(-time.Minute)),
			wireMsg("m-3", agent1, "Viewing at 10?", now),
		)

		assert.Equal(t, []string{"m-1", "m-2", "m-3"}, ids(sess.Log("p1")))
		assert.Equal(t, 2, sess.UnreadCount("p1"))
		assert.Equal(t, 0, sess.NotificationCount("p1"))
		conv, _ := sess.Conversation("p1")
		assert.True(t, conv.LastMessageAt.Equal(now))
	})

	t.Run("rejection can be retried", func(t *testing.T) {
		sess, srv := newTestSession(t, client1, nil)

		ch := resolveAsync(sess, "p1", "t1")
		srv.expect(FrameJoin)
		srv.push(FrameJoinError, "", JoinErrorPayload{PropertyID: "p1", Reason: "not a participant"})
		_, err := waitResolve(t, ch)
		require.ErrorIs(t, err, ErrJoinRejected)
		var je *JoinError
		require.ErrorAs(t, err, &je)
		assert.Equal(t, "not a participant", je.Reason)
		_, ok := sess.Conversation("p1")
		assert.False(t, ok)

		join(t, sess, srv, "p1")
	})

	t.Run("timeout can be retried", func(t *testing.T) {
		cfg := testConfig()
		cfg.JoinTimeout = 50 * time.Millisecond
		sess, srv := newTestSession(t, client1, cfg)

		ch := resolveAsync(sess, "p1", "t1")
		srv.expect(FrameJoin)
		_, err := waitResolve(t, ch)
		require.ErrorIs(t, err, ErrJoinTimeout)

		join(t, sess, srv, "p1")
	})

	t.Run("not connected and nothing cached", func(t *testing.T) {
		sess, _ := newTestSession(t, client1, nil)
		require.NoError(t, sess.Disconnect())

		_, err := sess.Resolve(ctx, "p1", "t1")
		require.ErrorIs(t, err, ErrConnectionUnavailable)
	})

	t.Run("empty property id", func(t *testing.T) {
		sess, _ := newTestSession(t, client1, nil)
		_, err := sess.Resolve(ctx, "", "t1")
		require.Error(t, err)
	})
}

func TestResolveAfterReconnect(t *testing.T) {
	ctx := context.Background()
	sess, srv := newTestSession(t, client1, nil)
	now := time.Now()
	join(t, sess, srv, "p1", wireMsg("m-1", agent1, "Hello", now.Add(-time.Minute)))

	require.NoError(t, sess.Disconnect())
	assert.False(t, sess.IsConnected())

	// State survives the drop and the stale entry is served while offline.
	assert.Equal(t, []string{"m-1"}, ids(sess.Log("p1")))
	conv, err := sess.Resolve(ctx, "p1", "t-p1")
	require.NoError(t, err)
	assert.Equal(t, "c-p1", conv.ID)

	require.NoError(t, sess.Connect(ctx))
	assert.Equal(t, 2, srv.dials())

	// Connected again: the next resolve catches up without duplicates.
	join(t, sess, srv, "p1",
		wireMsg("m-1", agent1, "Hello", now.Add(-time.Minute)),
		wireMsg("m-2", agent1, "Still there?", now),
	)
	assert.Equal(t, []string{"m-1", "m-2"}, ids(sess.Log("p1")))
	assert.Equal(t, 0, sess.NotificationCount("p1"))

	// And is cached again.
	_, err = sess.Resolve(ctx, "p1", "t-p1")
	require.NoError(t, err)
	srv.expectNone(30 * time.Millisecond)
}

func TestResolveWaitersSeeSameConversation(t *testing.T) {
	sess, srv := newTestSession(t, agent1, nil)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		convs []Conversation
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			conv, err := sess.Resolve(ctx, "p3", "t3")
			if err != nil {
				return
			}
			mu.Lock()
			convs = append(convs, conv)
			mu.Unlock()
		}()
	}

	srv.expect(FrameJoin)
	time.Sleep(50 * time.Millisecond)
	srv.push(FrameJoinAck, "", JoinAckPayload{PropertyID: "p3", ConversationID: "c3", AgentID: "agent-1", ClientID: "client-9"})
	wg.Wait()

	require.Len(t, convs, 5)
	for _, c := range convs {
		assert.Equal(t, convs[0], c)
		assert.Equal(t, "t3", c.TimelineID)
	}
}
