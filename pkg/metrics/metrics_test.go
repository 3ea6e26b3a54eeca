package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New(Config{Namespace: "test"})

	c.StateTransition("registered", "calling")
	c.Registration("ok")
	c.CallEstablished("outbound")
	c.PacketReceived("echo")
	c.PacketReceived("echo")
	c.PacketSent("echo")
	c.PacketsLost("echo", 3)
	c.PacketsLost("echo", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.callsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.rtpPackets.WithLabelValues("echo", "rx")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.rtpLost.WithLabelValues("echo")))

	c.CallEnded(2 * time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.callsActive))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `test_endpoint_state_transitions_total{from_state="registered",to_state="calling"} 1`))
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.StateTransition("a", "b")
		c.CallEstablished("inbound")
		c.CallEnded(time.Second)
		c.SessionStarted("echo")
		c.SessionStopped("echo", 1)
		c.PacketsLost("echo", 1)
		c.MediaFailure("bind")
	})
	assert.Nil(t, c.Registry())
}
