// Command loadtest drives pairs of simulated users against a running chat
// server. Within each pair one user sends messages to the other and the
// send-to-receive latency is measured client side, while server metrics are
// scraped from /metrics.
//
// Usage:
//
//	loadtest -secret s3cret -pairs 100 -messages 20
//	loadtest -secret s3cret -driver sqlite3 -dsn chat.db   # seed users first
//	loadtest -secret s3cret -nats nats://localhost:4222     # also watch the bus
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/auth"
	"github.com/duet/chat-server/internal/loadgen"
	"github.com/duet/chat-server/internal/logging"
	"github.com/duet/chat-server/internal/messaging"
	"github.com/duet/chat-server/internal/protocol"
	"github.com/duet/chat-server/internal/store"
)

type options struct {
	url            string
	metricsURL     string
	secret         string
	pairs          int
	messages       int
	interval       time.Duration
	concurrency    int
	timeout        time.Duration
	firstUser      int64
	driver         string
	dsn            string
	scrapeInterval time.Duration
	natsURL        string
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	flag.StringVar(&o.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint")
	flag.StringVar(&o.secret, "secret", "", "token signing secret shared with the server")
	flag.IntVar(&o.pairs, "pairs", 50, "number of sender/receiver pairs")
	flag.IntVar(&o.messages, "messages", 20, "messages sent per pair")
	flag.DurationVar(&o.interval, "interval", 100*time.Millisecond, "delay between messages of one sender")
	flag.IntVar(&o.concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
	flag.DurationVar(&o.timeout, "timeout", time.Minute, "overall time limit for deliveries")
	flag.Int64Var(&o.firstUser, "first-user", 1, "first user id when users are not seeded")
	flag.StringVar(&o.driver, "driver", "", "seed users into this database driver (postgres or sqlite3)")
	flag.StringVar(&o.dsn, "dsn", "", "database DSN used with -driver")
	flag.DurationVar(&o.scrapeInterval, "scrape-interval", 2*time.Second, "interval between metrics scrapes")
	flag.StringVar(&o.natsURL, "nats", "", "NATS URL to watch delivery events on (optional)")
	flag.Parse()

	logger, err := logging.NewLogger("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(o, logger); err != nil {
		logger.Error("load test failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(o options, logger *zap.Logger) error {
	if o.secret == "" {
		return fmt.Errorf("-secret is required")
	}
	if o.pairs <= 0 || o.messages <= 0 {
		return fmt.Errorf("-pairs and -messages must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userIDs, err := resolveUsers(ctx, o)
	if err != nil {
		return err
	}

	collector := loadgen.NewCollector()
	scraper := loadgen.NewScraper(o.metricsURL, o.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	if o.natsURL != "" {
		stopWatch, err := watchBus(o.natsURL, collector, logger)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	logger.Info("connecting users", zap.Int("clients", len(userIDs)), zap.String("url", o.url))
	clients := connectAll(ctx, o, userIDs, collector, logger)
	defer func() {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
	}()

	expected := 0
	var wg sync.WaitGroup
	for i := 0; i+1 < len(clients); i += 2 {
		sender, receiver := clients[i], clients[i+1]
		if sender == nil || receiver == nil {
			continue
		}
		receiver.On(protocol.InfoNewMessage, func(raw json.RawMessage) {
			recordDelivery(raw, receiver.UserID(), collector)
		})
		expected += o.messages

		wg.Add(1)
		go func() {
			defer wg.Done()
			sendLoop(ctx, o, sender, receiver.UserID(), collector)
		}()
	}
	wg.Wait()

	logger.Info("all messages sent, waiting for deliveries", zap.Int("expected", expected))
	deadline := time.Now().Add(o.timeout)
	for collector.DeliveryCount() < expected && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	scraper.Stop()
	collector.Report(os.Stdout)

	if got := collector.DeliveryCount(); got < expected {
		return fmt.Errorf("delivered %d of %d messages", got, expected)
	}
	return nil
}

// watchBus subscribes to the server's delivery events on NATS. The returned
// function unsubscribes and closes the connection.
func watchBus(url string, collector *loadgen.Collector, logger *zap.Logger) (func(), error) {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = url
	cfg.Name = "chat-loadtest"
	nc, err := messaging.NewNATSClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	watcher, err := loadgen.WatchBus(nc, collector)
	if err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("watching delivery events", zap.String("nats", url))
	return func() {
		if err := watcher.Stop(); err != nil {
			logger.Warn("stop bus watch failed", zap.Error(err))
		}
		nc.Close()
	}, nil
}

// resolveUsers seeds fresh users when a database is given, otherwise assumes
// a contiguous id range already exists.
func resolveUsers(ctx context.Context, o options) ([]int64, error) {
	n := 2 * o.pairs
	ids := make([]int64, 0, n)

	if o.driver == "" {
		for i := 0; i < n; i++ {
			ids = append(ids, o.firstUser+int64(i))
		}
		return ids, nil
	}

	st, err := store.Open(o.driver, o.dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	if _, err := st.Migrate(); err != nil {
		return nil, err
	}

	run := strconv.FormatInt(time.Now().UnixNano(), 36)
	for i := 0; i < n; i++ {
		u, err := st.CreateUser(ctx, store.User{
			Username: fmt.Sprintf("lt-%s-%d", run, i),
			Email:    fmt.Sprintf("lt-%s-%d@loadtest.invalid", run, i),
			IsActive: true,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// connectAll dials every user with bounded concurrency. Failed dials leave a
// nil slot so pairs stay aligned.
func connectAll(ctx context.Context, o options, userIDs []int64, collector *loadgen.Collector, logger *zap.Logger) []*loadgen.Client {
	clients := make([]*loadgen.Client, len(userIDs))
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup

	for i, id := range userIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			token, err := auth.Sign(o.secret, id, time.Hour)
			if err != nil {
				collector.AddError()
				return
			}
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := loadgen.Dial(dialCtx, o.url, id, token)
			if err != nil {
				logger.Warn("connect failed", zap.Int64("user_id", id), zap.Error(err))
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i, id)
	}
	wg.Wait()
	return clients
}

func sendLoop(ctx context.Context, o options, sender *loadgen.Client, receiverID int64, collector *loadgen.Collector) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for i := 0; i < o.messages; i++ {
		body := loadgen.NewBody(time.Now())
		if err := sender.Send(receiverID, body); err != nil {
			collector.AddError()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-sender.Done():
			return
		case <-ticker.C:
		}
	}
}

// recordDelivery measures latency from the timestamp embedded in the body.
// Echoes of the receiver's own messages are skipped.
func recordDelivery(raw json.RawMessage, receiverID int64, collector *loadgen.Collector) {
	var f protocol.NewMessageFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.ReceiverID != receiverID {
		return
	}
	sent, ok := loadgen.SentAt(f.Message)
	if !ok {
		return
	}
	collector.AddDelivery(time.Since(sent), f.IsActive)
}
