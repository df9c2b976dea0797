package loadgen

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnapshotSumsLabeledCounters(t *testing.T) {
	body := strings.Join([]string{
		"# HELP chat_messages_total Chat frames by outcome.",
		"# TYPE chat_messages_total counter",
		`chat_messages_total{outcome="delivered_live"} 7`,
		`chat_messages_total{outcome="stored_offline"} 3`,
		"# TYPE chat_connections_total gauge",
		"chat_connections_total 4",
		"# TYPE chat_delivery_latency_seconds histogram",
		`chat_delivery_latency_seconds_bucket{le="0.01"} 8`,
		`chat_delivery_latency_seconds_bucket{le="+Inf"} 10`,
		"chat_delivery_latency_seconds_sum 0.25",
		"chat_delivery_latency_seconds_count 10",
		"",
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, float64(10), snap.messagesTotal)
	assert.Equal(t, float64(4), snap.connections)
	assert.Equal(t, float64(10), snap.latencyCount)
	assert.Equal(t, 0.25, snap.latencySum)
	assert.Zero(t, snap.conflicts)
}

func TestParseSnapshotRejectsMalformedInput(t *testing.T) {
	_, err := parseSnapshot(strings.NewReader("chat_connections_total{broken 1\n"))
	assert.Error(t, err)
}

func TestComputePercentiles(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	p := computePercentiles(ds)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)

	assert.Equal(t, Percentiles{}, computePercentiles(nil))
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddDelivery(5*time.Millisecond, true)
	c.AddDelivery(7*time.Millisecond, false)
	c.AddError()

	assert.Equal(t, 1, c.ConnectionCount())
	assert.Equal(t, 2, c.DeliveryCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Delivered:    2 (live 1, offline 1)")
	assert.Contains(t, out, "Errors:       1")
	assert.Contains(t, out, "--- Delivery Latency ---")
}

type fakeSubscriber struct {
	subject      string
	handler      func(subject string, data []byte)
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(subject string, handler func(string, []byte)) error {
	f.subject, f.handler = subject, handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(subject string) error {
	f.unsubscribed = append(f.unsubscribed, subject)
	return nil
}

func TestBodyTimestampRoundTrip(t *testing.T) {
	now := time.Unix(0, 1700000000123456789)
	sent, ok := SentAt(NewBody(now))
	require.True(t, ok)
	assert.True(t, now.Equal(sent))

	_, ok = SentAt("hello")
	assert.False(t, ok)
	_, ok = SentAt(BodyPrefix + "soon")
	assert.False(t, ok)
}

func TestBusWatcherRecordsLoadTestMessages(t *testing.T) {
	c := NewCollector()
	sub := &fakeSubscriber{}
	w, err := WatchBus(sub, c)
	require.NoError(t, err)
	assert.Equal(t, "chat.delivered.>", sub.subject)

	sub.handler("chat.delivered.2", []byte(`{"info":"new_message","message":"`+NewBody(time.Now())+`","receiver_id":2}`))
	sub.handler("chat.delivered.2", []byte(`{"info":"new_message","message":"from a person","receiver_id":2}`))
	sub.handler("chat.delivered.2", []byte(`not json`))

	assert.Equal(t, 1, c.BusEventCount())

	var buf bytes.Buffer
	c.Report(&buf)
	assert.Contains(t, buf.String(), "Errors:       1")
	assert.Contains(t, buf.String(), "--- Bus Publish Latency ---")

	require.NoError(t, w.Stop())
	assert.Equal(t, []string{"chat.delivered.>"}, sub.unsubscribed)
}
