package loadgen

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duet/chat-server/internal/messaging"
	"github.com/duet/chat-server/internal/protocol"
)

// BodyPrefix marks load-test messages; the rest of the body is the send
// time in unix nanoseconds.
const BodyPrefix = "lt:"

// NewBody returns a message body stamped with t.
func NewBody(t time.Time) string {
	return BodyPrefix + strconv.FormatInt(t.UnixNano(), 10)
}

// SentAt extracts the send time from a body built by NewBody.
func SentAt(body string) (time.Time, bool) {
	if !strings.HasPrefix(body, BodyPrefix) {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(body, BodyPrefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Subscriber is the part of the messaging client the bus watcher uses.
type Subscriber interface {
	Subscribe(subject string, handler func(subject string, data []byte)) error
	Unsubscribe(subject string) error
}

// BusWatcher records delivery events the server publishes on the message
// bus, measuring how long a message takes from send to publication.
type BusWatcher struct {
	sub       Subscriber
	subject   string
	collector *Collector
}

// WatchBus subscribes to every delivered-message subject.
func WatchBus(sub Subscriber, collector *Collector) (*BusWatcher, error) {
	w := &BusWatcher{
		sub:       sub,
		subject:   messaging.SubjectDelivered + ".>",
		collector: collector,
	}
	if err := sub.Subscribe(w.subject, w.handle); err != nil {
		return nil, fmt.Errorf("loadgen: watch bus: %w", err)
	}
	return w, nil
}

func (w *BusWatcher) handle(_ string, data []byte) {
	var f protocol.NewMessageFrame
	if err := json.Unmarshal(data, &f); err != nil {
		w.collector.AddError()
		return
	}
	sent, ok := SentAt(f.Message)
	if !ok {
		// Traffic from real users shares the subject.
		return
	}
	w.collector.AddBusEvent(time.Since(sent))
}

// Stop removes the subscription.
func (w *BusWatcher) Stop() error {
	return w.sub.Unsubscribe(w.subject)
}
