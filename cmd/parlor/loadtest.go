package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aeolun/parlor/pkg/chat"
	"github.com/aeolun/parlor/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var loadtestOpts struct {
	url      string
	clients  int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Hammer a running server with posting bots",
	Long: `Starts the given number of bots. Each signs up under a fresh name, finds
the public channel and posts lorem ipsum at random intervals until the
duration elapses. Bots are ramped up over the first quarter of the run.`,
	Args: cobra.NoArgs,
	RunE: runLoadtest,
}

func init() {
	f := loadtestCmd.Flags()
	f.StringVar(&loadtestOpts.url, "url", "ws://localhost:8080/ws", "WebSocket URL of the server")
	f.IntVar(&loadtestOpts.clients, "clients", 10, "Number of concurrent bots")
	f.DurationVar(&loadtestOpts.duration, "duration", time.Minute, "Test duration")
	f.DurationVar(&loadtestOpts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between posts")
	f.DurationVar(&loadtestOpts.maxDelay, "max-delay", time.Second, "Maximum delay between posts")

	rootCmd.AddCommand(loadtestCmd)
}

// loadStats tracks bot outcomes.
type loadStats struct {
	posted            atomic.Int64
	failed            atomic.Int64
	timeouts          atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
	totalResponseTime atomic.Int64 // microseconds
}

func (s *loadStats) recordSuccess(elapsed time.Duration) {
	s.posted.Add(1)
	s.totalResponseTime.Add(elapsed.Microseconds())
}

func (s *loadStats) recordFailure(err error) {
	s.failed.Add(1)
	if errors.Is(err, client.ErrTimeout) {
		s.timeouts.Add(1)
	}
}

func (s *loadStats) snapshot() (posted, failed, connErrors int64, avgResponse time.Duration) {
	posted = s.posted.Load()
	failed = s.failed.Load()
	connErrors = s.connectionErrors.Load()
	if posted > 0 {
		avgResponse = time.Duration(s.totalResponseTime.Load()/posted) * time.Microsecond
	}
	return
}

func randomMessage() string {
	n := 5 + rand.IntN(20)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.IntN(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func randomDelay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + rand.N(maxDelay-minDelay)
}

// bot is one simulated user.
type bot struct {
	id      int
	conn    *client.Client
	stats   *loadStats
	channel string
}

func newBot(ctx context.Context, id int, url string, stats *loadStats) (*bot, error) {
	conn, err := client.Dial(ctx, url, client.WithResponseTimeout(5*time.Second))
	if err != nil {
		return nil, err
	}

	b := &bot{id: id, conn: conn, stats: stats}
	if err := b.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *bot) setup() error {
	username := "bot-" + uuid.NewString()[:8]
	if err := b.conn.Signup(username, uuid.NewString()); err != nil {
		return fmt.Errorf("signup: %w", err)
	}

	channels, err := b.conn.Channels()
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == string(chat.ChannelPublic) {
			b.channel = ch.ID
			return nil
		}
	}
	return errors.New("no public channel available")
}

func (b *bot) run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer b.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(randomDelay(minDelay, maxDelay)):
		}

		start := time.Now()
		if err := b.conn.Post(b.channel, randomMessage()); err != nil {
			b.stats.recordFailure(err)
			if errors.Is(err, client.ErrClosed) {
				logger.Warn("bot disconnected", zap.Int("bot", b.id))
				return
			}
			continue
		}
		b.stats.recordSuccess(time.Since(start))
	}
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	opts := loadtestOpts
	if opts.clients <= 0 {
		return fmt.Errorf("--clients must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	// Ramp up over 25% of the test duration
	rampUp := opts.duration / 4
	stagger := max(rampUp/time.Duration(opts.clients), time.Millisecond)

	logger.Info("starting load test",
		zap.String("url", opts.url),
		zap.Int("clients", opts.clients),
		zap.Duration("duration", opts.duration),
		zap.Duration("ramp_up", rampUp),
		zap.Duration("min_delay", opts.minDelay),
		zap.Duration("max_delay", opts.maxDelay))

	stats := &loadStats{}
	started := time.Now()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logStats(stats, started)
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := range opts.clients {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			b, err := newBot(ctx, id, opts.url, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug("bot setup failed", zap.Int("bot", id), zap.Error(err))
				return
			}
			stats.successfulClients.Add(1)
			b.run(ctx, opts.minDelay, opts.maxDelay)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	<-reporterDone

	logStats(stats, started)
	logger.Info("load test finished",
		zap.Int64("clients_connected", stats.successfulClients.Load()),
		zap.Int64("timeouts", stats.timeouts.Load()))
	return nil
}

func logStats(stats *loadStats, started time.Time) {
	posted, failed, connErrors, avg := stats.snapshot()
	elapsed := time.Since(started).Seconds()
	logger.Info("stats",
		zap.Int64("posted", posted),
		zap.Float64("rate_per_sec", float64(posted)/elapsed),
		zap.Int64("failed", failed),
		zap.Int64("conn_errors", connErrors),
		zap.Duration("avg_response", avg),
		zap.Int("goroutines", runtime.NumGoroutine()))
}
