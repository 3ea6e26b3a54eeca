package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/vphone/internal/testserver"
	"github.com/arzzra/vphone/pkg/rtp"
	"github.com/arzzra/vphone/pkg/sip/auth"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/sdp"
	"github.com/arzzra/vphone/pkg/sip/stack"
	"github.com/arzzra/vphone/pkg/sip/transaction"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTimers = transaction.Timers{T1: 50 * time.Millisecond, T2: 200 * time.Millisecond, T4: 250 * time.Millisecond}

type testEnv struct {
	srv      *testserver.Server
	registry *MemoryRegistry
}

func newEnv(t *testing.T, users ...string) *testEnv {
	return newEnvWith(t, testserver.Config{}, users...)
}

func newEnvWith(t *testing.T, cfg testserver.Config, users ...string) *testEnv {
	t.Helper()
	cfg.Users = make(map[string]string)
	for _, u := range users {
		cfg.Users[u] = "pw-" + u
	}
	srv, err := testserver.Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return &testEnv{srv: srv, registry: NewMemoryRegistry()}
}

func (env *testEnv) endpoint(t *testing.T, user string, opts ...func(*Config)) *Endpoint {
	t.Helper()
	cfg := DefaultConfig()
	cfg.User = user
	cfg.Server = env.srv.Addr()
	cfg.Credentials = auth.Credentials{Username: user, Password: "pw-" + user}
	cfg.Timers = testTimers
	cfg.Registry = env.registry
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func autoAnswer(cfg *Config) { cfg.AutoAnswer = true }

// replayMedia отправляет бесконечный поток PCMU, эхо собеседника видно в
// статистике приема
func replayMedia(cfg *Config) {
	frames := make([]rtp.Frame, 5)
	for i := range frames {
		frames[i] = rtp.Frame{Offset: time.Duration(i) * 20 * time.Millisecond, Payload: make([]byte, 160)}
	}
	cfg.Media.Mode = rtp.ModeReplay
	cfg.Media.Capture = &rtp.Capture{Frames: frames}
	cfg.Media.Loop = true
}

func testContext(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// establish: caller звонит callee, callee отвечает
func establish(t *testing.T, caller, callee *Endpoint) {
	t.Helper()
	ctx := testContext(t, 5*time.Second)
	require.NoError(t, caller.Call(ctx, callee.Name()))
	require.Equal(t, WaitSuccess, callee.ExpectCall(ctx, 2*time.Second))
	require.NoError(t, callee.Answer(ctx))
	require.Equal(t, WaitSuccess, caller.WaitCallState(ctx, StateInCall, 2*time.Second))
}

func TestEndpoint_Register(t *testing.T) {
	env := newEnv(t, "alice")
	alice := env.endpoint(t, "alice")
	ctx := testContext(t, 3*time.Second)

	require.NoError(t, alice.Register(ctx))
	assert.True(t, alice.IsRegistered())
	assert.Equal(t, StateRegistered, alice.State())
	contact, ok := env.srv.Binding("alice")
	require.True(t, ok)
	assert.Equal(t, alice.Contact().URI.String(), contact)
	assert.Equal(t, 1, env.srv.Challenges(message.MethodRegister))
	assert.Equal(t, uint32(2), registerSeq(t, alice))

	require.NoError(t, alice.Unregister(ctx))
	assert.False(t, alice.IsRegistered())
	assert.Equal(t, StateUnregistered, alice.State())
	_, ok = env.srv.Binding("alice")
	assert.False(t, ok)
}

func TestEndpoint_RegisterBadCredentials(t *testing.T) {
	env := newEnv(t, "alice")
	alice := env.endpoint(t, "alice", func(cfg *Config) { cfg.Credentials.Password = "nope" })

	ctx := testContext(t, 3*time.Second)
	err := alice.Register(ctx)
	require.ErrorIs(t, err, auth.ErrAuthentication)
	assert.False(t, alice.IsRegistered())
	assert.Equal(t, StateUnregistered, alice.State())

	// повтор с авторизацией занял CSeq 2, следующий REGISTER продолжает с 3
	assert.Equal(t, uint32(2), registerSeq(t, alice))
	require.ErrorIs(t, alice.Register(ctx), auth.ErrAuthentication)
	assert.Equal(t, uint32(4), registerSeq(t, alice))
}

// logRecorder запоминает сообщения записей лога
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, rec.Message)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) logged(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.msgs, msg)
}

func TestEndpoint_UnregisterLogsCachedCredentialFailure(t *testing.T) {
	env := newEnv(t, "alice")
	logs := &logRecorder{}
	alice := env.endpoint(t, "alice", func(cfg *Config) { cfg.Logger = slog.New(logs) })
	ctx := testContext(t, 3*time.Second)

	// кеш с учетными данными, которые не удается подписать
	broken := auth.NewAuthorizer("alice", auth.Credentials{Username: "alice", Password: "pw-alice"},
		auth.WithDigester(auth.DigestFunc(func(*digest.Challenge, digest.Options) (*digest.Credentials, error) {
			return nil, errors.New("hash unavailable")
		})))
	req, err := message.NewRequest(message.MethodRegister, alice.AOR().Clone()).
		Via(&message.Via{Transport: "UDP", Host: "127.0.0.1", Port: 5060, Params: message.Params{{Name: "branch", Value: message.NewBranch()}}}).
		From(&message.NameAddr{URI: alice.AOR().Clone(), Params: message.Params{{Name: "tag", Value: "t1"}}}).
		To(&message.NameAddr{URI: alice.AOR().Clone()}).
		CallID("cached").
		CSeq(1).
		Build()
	require.NoError(t, err)
	res := message.NewResponse(req, message.StatusUnauthorized, "").
		Header("WWW-Authenticate", `Digest realm="vphone.test", nonce="n1", qop="auth"`).
		Build()
	_, err = broken.Challenge(&auth.Attempt{}, req, res)
	require.ErrorIs(t, err, auth.ErrAuthentication)
	require.NoError(t, alice.loop.Do(ctx, func() { alice.authz = broken }))

	assert.Error(t, alice.Unregister(ctx))
	assert.True(t, logs.logged("cached credentials not applied"))
}

func registerSeq(t *testing.T, e *Endpoint) uint32 {
	t.Helper()
	var seq uint32
	require.NoError(t, e.loop.Do(context.Background(), func() { seq = e.reg.seq }))
	return seq
}

func TestEndpoint_NoServer(t *testing.T) {
	e, err := New(Config{User: "solo", Timers: testTimers})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Close()

	var rerr *ResponseError
	require.ErrorAs(t, e.Register(context.Background()), &rerr)
	assert.Equal(t, message.StatusServiceUnavailable, rerr.StatusCode)
}

func TestEndpoint_BasicCall(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice", replayMedia)
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, alice.Register(ctx))
	require.NoError(t, bob.Register(ctx))

	require.NoError(t, alice.Call(ctx, "bob"))
	require.Equal(t, WaitSuccess, bob.ExpectCall(ctx, 2*time.Second))
	assert.Equal(t, StateRinging, bob.State())
	require.Len(t, bob.Calls(), 1)
	assert.Equal(t, Inbound, bob.Calls()[0].Direction)

	require.NoError(t, bob.Answer(ctx))
	assert.Equal(t, StateInCall, bob.State())
	require.Equal(t, WaitSuccess, alice.WaitCallState(ctx, StateInCall, 2*time.Second))
	assert.Equal(t, dialog.StateConfirmed, alice.DialogState())
	assert.Equal(t, dialog.StateConfirmed, bob.DialogState())

	assert.Eventually(t, func() bool {
		st, ok := alice.MediaStats()
		return ok && st.PacketsSent > 0 && st.PacketsReceived > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.SendInfo(ctx, "", []byte("Signal=5\r\nDuration=160\r\n")))

	require.NoError(t, alice.Hangup(ctx))
	require.Equal(t, WaitSuccess, bob.WaitForHangup(ctx, 2*time.Second))
	assert.Equal(t, StateRegistered, alice.State())
	assert.Equal(t, StateRegistered, bob.State())
	assert.Equal(t, dialog.StateTerminated, alice.DialogState())
	assert.Equal(t, dialog.StateTerminated, bob.DialogState())
	assert.Empty(t, alice.Calls())

	// после BYE медиа остановлено с обеих сторон
	time.Sleep(time.Second)
	aliceStats, ok := alice.MediaStats()
	require.True(t, ok)
	bobStats, ok := bob.MediaStats()
	require.True(t, ok)
	time.Sleep(500 * time.Millisecond)
	aliceAfter, _ := alice.MediaStats()
	bobAfter, _ := bob.MediaStats()
	assert.Equal(t, aliceStats.PacketsReceived, aliceAfter.PacketsReceived)
	assert.Equal(t, aliceStats.PacketsSent, aliceAfter.PacketsSent)
	assert.Equal(t, bobStats.PacketsReceived, bobAfter.PacketsReceived)
	assert.Equal(t, bobStats.PacketsSent, bobAfter.PacketsSent)
}

// mediaSession возвращает RTP-сессию основного вызова
func mediaSession(t *testing.T, e *Endpoint) *rtp.Session {
	t.Helper()
	var m *rtp.Session
	require.NoError(t, e.loop.Do(context.Background(), func() {
		if c := e.primary(); c != nil {
			m = c.media
		}
	}))
	require.NotNil(t, m)
	return m
}

// remoteMedia возвращает адрес, куда основной вызов отправляет RTP
func remoteMedia(t *testing.T, e *Endpoint) string {
	t.Helper()
	var addr string
	require.NoError(t, e.loop.Do(context.Background(), func() {
		if c := e.primary(); c != nil && c.remote != nil {
			addr = c.remote.Addr()
		}
	}))
	return addr
}

func TestEndpoint_SDPAdvertisesBoundPorts(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 5*time.Second)
	require.NoError(t, bob.Register(ctx))
	establish(t, alice, bob)

	offer, err := sdp.Parse(env.srv.LastBody(message.MethodInvite, 0))
	require.NoError(t, err)
	answer, err := sdp.Parse(env.srv.LastBody(message.MethodInvite, message.StatusOK))
	require.NoError(t, err)

	assert.Equal(t, mediaSession(t, alice).Port(), offer.Port)
	assert.Equal(t, mediaSession(t, bob).Port(), answer.Port)
	assert.NotEqual(t, offer.Port, answer.Port)
	assert.Equal(t, answer.Addr(), remoteMedia(t, alice))
	assert.Equal(t, offer.Addr(), remoteMedia(t, bob))

	require.NoError(t, alice.Hangup(ctx))
	require.Equal(t, WaitSuccess, bob.WaitForHangup(ctx, 2*time.Second))
}

func TestEndpoint_HoldResume(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, bob.Register(ctx))
	establish(t, alice, bob)

	require.NoError(t, alice.Hold(ctx))
	assert.Equal(t, StateHold, alice.State())
	require.Equal(t, WaitSuccess, bob.WaitCallState(ctx, StateHold, 2*time.Second))

	// повторный Hold не из InCall
	assert.ErrorIs(t, alice.Hold(ctx), ErrNoCall)

	require.NoError(t, alice.Resume(ctx))
	assert.Equal(t, StateInCall, alice.State())
	require.Equal(t, WaitSuccess, bob.WaitCallState(ctx, StateInCall, 2*time.Second))

	require.NoError(t, bob.Hangup(ctx))
	require.Equal(t, WaitSuccess, alice.WaitForHangup(ctx, 2*time.Second))
}

func TestEndpoint_CancelRingingCall(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, bob.Register(ctx))

	require.NoError(t, alice.Call(ctx, "bob"))
	require.Equal(t, WaitSuccess, bob.ExpectCall(ctx, 2*time.Second))

	require.NoError(t, alice.CancelCall(ctx))
	assert.Empty(t, alice.Calls())
	assert.Equal(t, StateUnregistered, alice.State())
	require.Equal(t, WaitSuccess, bob.WaitForHangup(ctx, 2*time.Second))
	assert.Equal(t, StateRegistered, bob.State())

	assert.ErrorIs(t, alice.CancelCall(ctx), ErrNoCall)
}

func TestEndpoint_RejectedCall(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")
	ctx := testContext(t, 10*time.Second)
	require.NoError(t, bob.Register(ctx))

	require.NoError(t, alice.Call(ctx, "bob"))
	require.Equal(t, WaitSuccess, bob.ExpectCall(ctx, 2*time.Second))
	require.NoError(t, bob.Hangup(ctx))

	require.Equal(t, WaitSuccess, alice.WaitForHangup(ctx, 2*time.Second))
	assert.Equal(t, dialog.StateTerminated, alice.DialogState())
}

func TestEndpoint_CallUnregisteredUser(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")

	err := alice.Call(testContext(t, 3*time.Second), "sip:bob@"+alice.AOR().Host)
	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, message.StatusTemporarilyUnavailable, rerr.StatusCode)
	assert.Empty(t, alice.Calls())
}

func TestEndpoint_UnknownDialog(t *testing.T) {
	env := newEnv(t, "alice", "bob")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob")

	res, err := alice.stack.Roundtrip(testContext(t, 3*time.Second), func(ex *stack.Exchange) error {
		req, err := message.NewRequest(message.MethodBye, bob.Contact().URI).
			Via(alice.stack.Via()).
			From(alice.from()).
			To(&message.NameAddr{URI: bob.AOR(), Params: message.Params{{Name: "tag", Value: "gone"}}}).
			CallID(message.NewCallID("test")).
			CSeq(1).
			Build()
		ex.Request, ex.Dest = req, bob.Contact().URI.HostPort()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, message.StatusCallDoesNotExist, res.StatusCode)
}

func TestEndpoint_Transfer(t *testing.T) {
	env := newEnv(t, "alice", "bob", "charlie")
	alice := env.endpoint(t, "alice")
	bob := env.endpoint(t, "bob", replayMedia)
	charlie := env.endpoint(t, "charlie", autoAnswer)
	ctx := testContext(t, 15*time.Second)
	require.NoError(t, bob.Register(ctx))
	require.NoError(t, charlie.Register(ctx))
	establish(t, alice, bob)

	bobLeg := mediaSession(t, alice)
	require.Eventually(t, func() bool {
		return bobLeg.Stats().PacketsReceived > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.Transfer(ctx, "charlie"))
	require.Equal(t, WaitSuccess, bob.WaitForHangup(ctx, 3*time.Second))
	assert.Equal(t, dialog.StateTerminated, bob.DialogState())

	require.Equal(t, WaitSuccess, charlie.WaitCallState(ctx, StateInCall, 3*time.Second))
	require.Eventually(t, func() bool {
		calls := alice.Calls()
		return len(calls) == 1 && calls[0].State == StateInCall &&
			calls[0].Remote == charlie.AOR().String()
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateInCall, alice.State())

	// поток от bob прекратился, медиа alice направлено на адрес из SDP charlie
	received := bobLeg.Stats().PacketsReceived
	time.Sleep(time.Second)
	assert.Equal(t, received, bobLeg.Stats().PacketsReceived)
	answer, err := sdp.Parse(env.srv.LastBody(message.MethodInvite, message.StatusOK))
	require.NoError(t, err)
	assert.Equal(t, mediaSession(t, charlie).Port(), answer.Port)
	assert.Equal(t, answer.Addr(), remoteMedia(t, alice))
	assert.NotSame(t, bobLeg, mediaSession(t, alice))

	require.NoError(t, alice.Hangup(ctx))
	require.Equal(t, WaitSuccess, charlie.WaitForHangup(ctx, 2*time.Second))
}

func TestEndpoint_CloseIsIdempotent(t *testing.T) {
	env := newEnv(t, "alice")
	alice := env.endpoint(t, "alice")

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.Do(context.Background(), RegisterAction{}), ErrClosed)
	_, err := env.registry.Lookup(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotBound)
}
