package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/vphone/internal/testserver"
	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
)

func TestEndpoint_SubscribeAndNotify(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, bob.Register(ctx))

	require.NoError(t, alice.Subscribe(ctx, "bob"))
	assert.Equal(t, 1, env.srv.Watchers("bob"))
	require.Eventually(t, func() bool {
		s, ok := alice.LastNotification("bob")
		return ok && s == presence.Available
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.SetPresence(ctx, presence.DoNotDisturb))
	require.Eventually(t, func() bool {
		s, _ := alice.LastNotification("bob")
		return s == presence.DoNotDisturb
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.Unsubscribe(ctx, "bob"))
	assert.Zero(t, env.srv.Watchers("bob"))
	assert.ErrorIs(t, alice.Unsubscribe(ctx, "bob"), ErrNotSubscribed)
}

func TestEndpoint_NotifyBeforeSubscribeAnswer(t *testing.T) {
	env := newEnvWith(t, testserver.Config{NotifyFirst: true}, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, bob.Register(ctx))

	// SUBSCRIBE проходит challenge, NOTIFY приходит к повтору раньше 202
	require.NoError(t, alice.Subscribe(ctx, "bob"))
	require.Equal(t, 1, env.srv.Challenges(message.MethodSubscribe))
	require.Eventually(t, func() bool {
		s, ok := alice.LastNotification("bob")
		return ok && s == presence.Available
	}, 2*time.Second, 20*time.Millisecond)

	var dialogs int
	require.NoError(t, alice.loop.Do(ctx, func() {
		dialogs = alice.stack.Dialogs().Len()
		sub := alice.subs["bob"]
		if assert.NotNil(t, sub) && assert.NotNil(t, sub.dlg) {
			assert.Equal(t, dialog.StateConfirmed, sub.dlg.State())
			assert.Nil(t, sub.pending)
		}
	}))
	assert.Equal(t, 1, dialogs)
	assert.Equal(t, 1, env.srv.Watchers("bob"))

	require.NoError(t, alice.Unsubscribe(ctx, "bob"))
	assert.Zero(t, env.srv.Watchers("bob"))
}

func TestEndpoint_SubscriptionRenewalReusesNonce(t *testing.T) {
	env := newEnvWith(t, testserver.Config{NonceTTL: time.Minute}, "alice", "bob")
	alice := env.endpoint(t, "alice", func(cfg *Config) { cfg.SubscribeExpires = 2 * time.Second })
	ctx := testContext(t, 10*time.Second)

	require.NoError(t, alice.Subscribe(ctx, "bob"))
	require.Equal(t, 1, env.srv.Challenges(message.MethodSubscribe))
	sent := env.srv.Requests(message.MethodSubscribe)

	// обновление через секунду идет с кешированным nonce
	require.Eventually(t, func() bool {
		return env.srv.Requests(message.MethodSubscribe) > sent
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, env.srv.Challenges(message.MethodSubscribe))

	// устаревший nonce дает stale challenge, подписка продолжается
	env.srv.ExpireNonces()
	sent = env.srv.Requests(message.MethodSubscribe)
	require.Eventually(t, func() bool {
		return env.srv.Requests(message.MethodSubscribe) >= sent+2
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.srv.Challenges(message.MethodSubscribe) == 2
	}, time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, env.srv.Watchers("bob"))

	require.NoError(t, alice.Unsubscribe(ctx, "bob"))
}

func TestEndpoint_PublishRecoversFromLostState(t *testing.T) {
	env := newEnv(t, "bob")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 5*time.Second)

	require.NoError(t, bob.SetPresence(ctx, presence.Busy))
	status, ok := env.srv.Published("bob")
	require.True(t, ok)
	assert.Equal(t, presence.Busy, status)

	env.srv.DropPublication("bob")
	require.NoError(t, bob.SetPresence(ctx, presence.Away))
	status, ok = env.srv.Published("bob")
	require.True(t, ok)
	assert.Equal(t, presence.Away, status)
}
