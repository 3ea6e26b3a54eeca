package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/vphone/pkg/runloop"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

var testTimers = Timers{T1: 10 * time.Millisecond, T2: 40 * time.Millisecond, T4: 50 * time.Millisecond}

type fakeSender struct {
	mu       sync.Mutex
	reliable bool
	sent     []message.Message
}

func (f *fakeSender) Send(_ context.Context, _ string, msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Reliable() bool { return f.reliable }

func (f *fakeSender) requests(method string) []*message.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Request
	for _, m := range f.sent {
		if req, ok := m.(*message.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeSender) responses(code int) []*message.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Response
	for _, m := range f.sent {
		if res, ok := m.(*message.Response); ok && res.StatusCode == code {
			out = append(out, res)
		}
	}
	return out
}

type harness struct {
	loop *runloop.Loop
	tp   *fakeSender
	m    *Manager
}

func newHarness(t *testing.T, reliable bool) *harness {
	t.Helper()
	loop := runloop.New()
	go func() { _ = loop.Run(context.Background()) }()
	t.Cleanup(func() {
		loop.Close()
		loop.Wait()
	})
	tp := &fakeSender{reliable: reliable}
	return &harness{loop: loop, tp: tp, m: NewManager(loop, tp, Config{Timers: testTimers})}
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.Do(context.Background(), fn))
}

func newRequest(t *testing.T, method, branch string) *message.Request {
	t.Helper()
	req, err := message.NewRequest(method, message.MustParseURI("sip:bob@10.0.0.2")).
		Via(&message.Via{Transport: "UDP", Host: "10.0.0.1", Port: 5060, Params: message.Params{{Name: "branch", Value: branch}}}).
		From(&message.NameAddr{URI: message.MustParseURI("sip:alice@10.0.0.1"), Params: message.Params{{Name: "tag", Value: "at"}}}).
		To(&message.NameAddr{URI: message.MustParseURI("sip:bob@10.0.0.2")}).
		CallID("call-1").
		CSeq(1).
		Build()
	require.NoError(t, err)
	return req
}

func respond(req *message.Request, code int, toTag string) *message.Response {
	return message.NewResponse(req, code, "").ToTag(toTag).Build()
}

var peer = transport.Source{Network: "udp", Addr: "10.0.0.2:5060"}

func TestTimers_Duration(t *testing.T) {
	timers := DefaultTimers()
	tests := []struct {
		id       TimerID
		reliable bool
		want     time.Duration
	}{
		{TimerA, false, 500 * time.Millisecond},
		{TimerB, false, 32 * time.Second},
		{TimerD, false, 32 * time.Second},
		{TimerD, true, 0},
		{TimerE, false, 500 * time.Millisecond},
		{TimerF, true, 32 * time.Second},
		{TimerH, false, 32 * time.Second},
		{TimerI, false, 5 * time.Second},
		{TimerI, true, 0},
		{TimerJ, false, 32 * time.Second},
		{TimerJ, true, 0},
		{TimerK, false, 5 * time.Second},
		{TimerK, true, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, timers.Duration(tt.id, tt.reliable), "timer %s reliable=%v", tt.id, tt.reliable)
	}
	assert.Equal(t, 4*time.Second, nextInterval(3*time.Second, 4*time.Second))
	assert.Equal(t, 8*time.Second, nextInterval(4*time.Second, 0))
}

func TestClientInvite_RetransmitsUntilProvisional(t *testing.T) {
	h := newHarness(t, false)
	req := newRequest(t, message.MethodInvite, message.NewBranch())
	h.do(t, func() {
		_, err := h.m.Request(context.Background(), req, "10.0.0.2:5060")
		require.NoError(t, err)
	})

	assert.Eventually(t, func() bool { return len(h.tp.requests(message.MethodInvite)) >= 3 },
		time.Second, 5*time.Millisecond)

	h.do(t, func() { h.m.Handle(respond(req, 180, "bt"), peer) })
	sent := len(h.tp.requests(message.MethodInvite))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, len(h.tp.requests(message.MethodInvite)), "Timer A stops in Proceeding")
}

func TestClientInvite_Timeout(t *testing.T) {
	h := newHarness(t, false)
	errs := make(chan error, 1)
	h.do(t, func() {
		c, err := h.m.Request(context.Background(), newRequest(t, message.MethodInvite, message.NewBranch()), "10.0.0.2:5060")
		require.NoError(t, err)
		c.OnError(func(err error) { errs <- err })
	})

	select {
	case err := <-errs:
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, TimerB, terr.Timer)
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B did not fire")
	}
	h.do(t, func() { assert.Zero(t, h.m.Len()) })
}

func TestClientInvite_DeliversRetransmissionsOnce(t *testing.T) {
	h := newHarness(t, false)
	req := newRequest(t, message.MethodInvite, message.NewBranch())
	var (
		c         *Client
		delivered []int
	)
	h.do(t, func() {
		var err error
		c, err = h.m.Request(context.Background(), req, "10.0.0.2:5060")
		require.NoError(t, err)
		c.OnResponse(func(res *message.Response) { delivered = append(delivered, res.StatusCode) })
	})

	ok := respond(req, 200, "bt")
	h.do(t, func() {
		for i := 0; i < 3; i++ {
			h.m.Handle(respond(req, 180, "bt"), peer)
		}
		h.m.Handle(ok, peer)
		ack := newRequest(t, message.MethodAck, message.NewBranch())
		require.NoError(t, c.Ack(context.Background(), ack, "10.0.0.2:5060"))
		h.m.Handle(ok, peer)
		h.m.Handle(ok, peer)
	})

	h.do(t, func() {
		assert.Equal(t, []int{180, 200}, delivered)
		assert.Equal(t, StateCompleted, c.State())
		assert.EqualValues(t, 4, h.m.Stats().Absorbed)
	})
	assert.Len(t, h.tp.requests(message.MethodAck), 3, "ACK resent for every retransmitted 2xx")
}

func TestClientInvite_FailureGeneratesAck(t *testing.T) {
	h := newHarness(t, false)
	branch := message.NewBranch()
	req := newRequest(t, message.MethodInvite, branch)
	var delivered []int
	h.do(t, func() {
		c, err := h.m.Request(context.Background(), req, "10.0.0.2:5060")
		require.NoError(t, err)
		c.OnResponse(func(res *message.Response) { delivered = append(delivered, res.StatusCode) })
		h.m.Handle(respond(req, 486, "bt"), peer)
		h.m.Handle(respond(req, 486, "bt"), peer)
	})

	acks := h.tp.requests(message.MethodAck)
	require.Len(t, acks, 2)
	via, err := acks[0].Headers.TopVia()
	require.NoError(t, err)
	assert.Equal(t, branch, via.Branch())
	assert.Equal(t, "bt", acks[0].Headers.ToTag())
	cseq, err := acks[0].Headers.CSeq()
	require.NoError(t, err)
	assert.Equal(t, message.CSeq{Seq: 1, Method: message.MethodAck}, cseq)
	h.do(t, func() { assert.Equal(t, []int{486}, delivered) })
}

func TestClientNonInvite(t *testing.T) {
	tests := []struct {
		name     string
		reliable bool
	}{
		{name: "unreliable", reliable: false},
		{name: "reliable", reliable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.reliable)
			req := newRequest(t, message.MethodRegister, message.NewBranch())
			var (
				c     *Client
				count int
			)
			h.do(t, func() {
				var err error
				c, err = h.m.Request(context.Background(), req, "10.0.0.2:5060")
				require.NoError(t, err)
				c.OnResponse(func(*message.Response) { count++ })
				h.m.Handle(respond(req, 200, "r"), peer)
				h.m.Handle(respond(req, 200, "r"), peer)
			})
			h.do(t, func() { assert.Equal(t, 1, count) })

			if tt.reliable {
				h.do(t, func() { assert.Equal(t, StateTerminated, c.State()) })
				return
			}
			h.do(t, func() { assert.Equal(t, StateCompleted, c.State()) })
			assert.Eventually(t, func() bool {
				var st State
				_ = h.loop.Do(context.Background(), func() { st = c.State() })
				return st == StateTerminated
			}, time.Second, 5*time.Millisecond, "Timer K")
		})
	}
}

func TestClientNonInvite_RetransmitsOnlyOnUnreliable(t *testing.T) {
	h := newHarness(t, true)
	h.do(t, func() {
		_, err := h.m.Request(context.Background(), newRequest(t, message.MethodOptions, message.NewBranch()), "10.0.0.2:5060")
		require.NoError(t, err)
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.tp.requests(message.MethodOptions), 1)
}

func TestManager_UnmatchedResponseDropped(t *testing.T) {
	h := newHarness(t, false)
	stray := respond(newRequest(t, message.MethodBye, message.NewBranch()), 200, "x")
	h.do(t, func() {
		h.m.Handle(stray, peer)
		assert.EqualValues(t, 1, h.m.Stats().Unmatched)
	})
}

func TestManager_DuplicateBranch(t *testing.T) {
	h := newHarness(t, false)
	req := newRequest(t, message.MethodOptions, message.NewBranch())
	h.do(t, func() {
		_, err := h.m.Request(context.Background(), req, "10.0.0.2:5060")
		require.NoError(t, err)
		_, err = h.m.Request(context.Background(), req, "10.0.0.2:5060")
		assert.ErrorIs(t, err, ErrTransactionExists)
	})
}

func TestManager_Cancel(t *testing.T) {
	h := newHarness(t, false)
	branch := message.NewBranch()
	req := newRequest(t, message.MethodInvite, branch)
	h.do(t, func() {
		c, err := h.m.Request(context.Background(), req, "10.0.0.2:5060")
		require.NoError(t, err)

		_, err = h.m.Cancel(context.Background(), c)
		assert.ErrorIs(t, err, ErrNotCancelable, "no provisional yet")

		h.m.Handle(respond(req, 180, "bt"), peer)
		cancel, err := h.m.Cancel(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, Key{Branch: branch, Method: message.MethodCancel}, cancel.Key())

		h.m.Handle(respond(req, 487, "bt"), peer)
		_, err = h.m.Cancel(context.Background(), c)
		assert.ErrorIs(t, err, ErrNotCancelable, "INVITE already completed")
	})

	cancels := h.tp.requests(message.MethodCancel)
	require.NotEmpty(t, cancels)
	assert.Empty(t, cancels[0].Headers.ToTag())
	assert.Equal(t, "sip:bob@10.0.0.2", cancels[0].RequestURI.String())
}

func TestServerNonInvite_RetransmissionResendsResponse(t *testing.T) {
	h := newHarness(t, false)
	req := newRequest(t, message.MethodBye, message.NewBranch())
	var calls int
	h.do(t, func() {
		h.m.OnRequest(func(s *Server, r *message.Request) {
			calls++
			require.NoError(t, s.Respond(respond(r, 200, "")))
		})
		h.m.Handle(req, peer)
		h.m.Handle(req.Clone(), peer)
		h.m.Handle(req.Clone(), peer)
	})
	h.do(t, func() { assert.Equal(t, 1, calls) })
	assert.Len(t, h.tp.responses(200), 3)
}

func TestServerInvite_SuccessRetransmittedUntilAck(t *testing.T) {
	h := newHarness(t, false)
	req := newRequest(t, message.MethodInvite, message.NewBranch())
	acked := make(chan struct{})
	var srv *Server
	h.do(t, func() {
		h.m.OnRequest(func(s *Server, r *message.Request) {
			srv = s
			s.OnAck(func(*message.Request) { close(acked) })
			require.NoError(t, s.Respond(respond(r, 180, "bt")))
			require.NoError(t, s.Respond(respond(r, 200, "bt")))
		})
		h.m.Handle(req, peer)
	})

	assert.Eventually(t, func() bool { return len(h.tp.responses(200)) >= 3 },
		time.Second, 5*time.Millisecond, "Timer G")

	// ACK на 2xx несет собственный branch
	ack := newRequest(t, message.MethodAck, message.NewBranch())
	h.do(t, func() { h.m.Handle(ack, peer) })
	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("ACK not matched")
	}
	h.do(t, func() {
		assert.NotEqual(t, StateCompleted, srv.State())
		assert.Error(t, srv.Respond(respond(req, 200, "bt")))
	})
	sent := len(h.tp.responses(200))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, len(h.tp.responses(200)))
}

func TestServerInvite_FailureConfirmedByAck(t *testing.T) {
	h := newHarness(t, true)
	branch := message.NewBranch()
	req := newRequest(t, message.MethodInvite, branch)
	var srv *Server
	h.do(t, func() {
		h.m.OnRequest(func(s *Server, r *message.Request) {
			srv = s
			require.NoError(t, s.Respond(respond(r, 486, "bt")))
		})
		h.m.Handle(req, peer)
		assert.Equal(t, StateCompleted, srv.State())

		h.m.Handle(newRequest(t, message.MethodAck, branch), peer)
		// на надежном транспорте Timer I равен нулю
		assert.Equal(t, StateTerminated, srv.State())
		assert.Zero(t, h.m.Len())
	})
}

func TestServerInvite_TimerH(t *testing.T) {
	h := newHarness(t, false)
	req := newRequest(t, message.MethodInvite, message.NewBranch())
	errs := make(chan error, 1)
	h.do(t, func() {
		h.m.OnRequest(func(s *Server, r *message.Request) {
			s.OnError(func(err error) { errs <- err })
			require.NoError(t, s.Respond(respond(r, 200, "bt")))
		})
		h.m.Handle(req, peer)
	})
	select {
	case err := <-errs:
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, TimerH, terr.Timer)
	case <-time.After(2 * time.Second):
		t.Fatal("Timer H did not fire")
	}
}

func TestManager_FindInvite(t *testing.T) {
	h := newHarness(t, false)
	branch := message.NewBranch()
	invite := newRequest(t, message.MethodInvite, branch)
	h.do(t, func() {
		var found *Server
		h.m.OnRequest(func(s *Server, r *message.Request) {
			if r.Method == message.MethodCancel {
				found, _ = h.m.FindInvite(r)
			}
		})
		h.m.Handle(invite, peer)
		h.m.Handle(newRequest(t, message.MethodCancel, branch), peer)
		require.NotNil(t, found)
		assert.Same(t, invite, found.Request())
	})
}
