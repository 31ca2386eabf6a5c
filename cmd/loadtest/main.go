package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/aeolun/pairchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

var (
	serverAddr  string
	scrambleKey string
	numPairs    int
	duration    time.Duration
	minDelay    time.Duration
	maxDelay    time.Duration
	replyRatio  float64
)

// runTag keeps names from earlier runs, which stay registered, from colliding
var runTag = rand.Intn(100000)

// generateUsername combines fragments of two words with the run tag and bot id
func generateUsername(id int) string {
	w1 := loremWords[rand.Intn(len(loremWords))]
	w2 := loremWords[rand.Intn(len(loremWords))]
	name := fmt.Sprintf("%s%s%d_%d", w1[:min(len(w1), 4)], w2[:min(len(w2), 4)], runTag, id)
	if len(name) > protocol.UsernameLength-1 {
		name = name[len(name)-(protocol.UsernameLength-1):]
	}
	return name
}

// randomContent picks words until the content field is nearly full
func randomContent() string {
	var b strings.Builder
	for n := 3 + rand.Intn(8); n > 0; n-- {
		word := loremWords[rand.Intn(len(loremWords))]
		if b.Len()+len(word)+1 > protocol.ContentLength-1 {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	return b.String()
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	repliesSent       atomic.Int64
	liveDeliveries    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	timeouts          atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64, reply bool) {
	s.messagesSent.Add(1)
	if reply {
		s.repliesSent.Add(1)
	}
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure(err error) {
	s.messagesFailed.Add(1)
	switch {
	case errors.Is(err, client.ErrTimeout):
		s.timeouts.Add(1)
	case errors.Is(err, client.ErrClosed):
		s.disconnections.Add(1)
	}
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// Bot is one side of a conversation pair
type Bot struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats

	// seen holds ids of messages in the pair's conversation, for replies
	seen []string
}

func newBot(id int, stats *Stats) (*Bot, error) {
	conn, err := client.Dial(serverAddr, protocol.NewXORScrambler(scrambleKey))
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, err
	}
	bot := &Bot{id: id, username: generateUsername(id), conn: conn, stats: stats}
	if err := conn.Register(bot.username, "loadtest"); err != nil {
		conn.Close()
		stats.connectionErrors.Add(1)
		return nil, fmt.Errorf("register %s: %w", bot.username, err)
	}
	return bot, nil
}

// open enters the conversation with peer and caches its history
func (b *Bot) open(peer string) error {
	history, err := b.conn.ViewConversation(peer)
	if err != nil {
		return err
	}
	for _, m := range history {
		b.seen = append(b.seen, m.ID)
	}
	return nil
}

// drainNotifications collects ids pushed live by the peer
func (b *Bot) drainNotifications() {
	for {
		msg, err := b.conn.NextNotification(time.Millisecond)
		if err != nil {
			return
		}
		b.stats.liveDeliveries.Add(1)
		b.seen = append(b.seen, msg.ID)
	}
}

func (b *Bot) sendOne() {
	b.drainNotifications()

	reply := len(b.seen) > 0 && rand.Float64() < replyRatio
	start := time.Now()

	var (
		msg protocol.Message
		err error
	)
	if reply {
		msg, err = b.conn.Reply(b.seen[rand.Intn(len(b.seen))], randomContent())
	} else {
		msg, err = b.conn.SendMessage(randomContent())
	}
	if err != nil {
		b.stats.recordFailure(err)
		return
	}

	b.stats.recordSuccess(time.Since(start).Microseconds(), reply)
	b.seen = append(b.seen, msg.ID)
}

func (b *Bot) run(peer string, until time.Time, stop <-chan struct{}) {
	if err := b.open(peer); err != nil {
		b.stats.recordFailure(err)
		return
	}

	for time.Now().Before(until) {
		b.sendOne()

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}
}

func (b *Bot) close() {
	b.conn.Logout()
	b.conn.Close()
}

var rootCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Drive a pairchat server with pairs of chatting bots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		run()
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverAddr, "server", "localhost:2024", "Server address (host:port, ws://, ssh://)")
	rootCmd.Flags().StringVar(&scrambleKey, "key", protocol.DefaultKey, "Packet scramble key")
	rootCmd.Flags().IntVar(&numPairs, "pairs", 5, "Number of concurrent conversation pairs")
	rootCmd.Flags().DurationVar(&duration, "duration", time.Minute, "Test duration")
	rootCmd.Flags().DurationVar(&minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between sends")
	rootCmd.Flags().DurationVar(&maxDelay, "max-delay", time.Second, "Maximum delay between sends")
	rootCmd.Flags().Float64Var(&replyRatio, "reply-ratio", 0.3, "Fraction of sends that reply to an earlier message")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() {
	log.Printf("Starting load test:")
	log.Printf("  Server: %s", serverAddr)
	log.Printf("  Pairs: %d (%d connections)", numPairs, 2*numPairs)
	log.Printf("  Duration: %v", duration)
	log.Printf("  Delay: %v - %v", minDelay, maxDelay)

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, connErrors, avgUs := stats.snapshot()
				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d conn errors, avg %.2fms",
					sent, float64(sent)/time.Since(start).Seconds(), failed, connErrors, avgUs/1000)
			case <-stop:
				return
			}
		}
	}()

	until := time.Now().Add(duration)
	var wg sync.WaitGroup
	for i := 0; i < numPairs; i++ {
		a, err := newBot(2*i, stats)
		if err != nil {
			log.Printf("[Pair %d] %v", i, err)
			continue
		}
		b, err := newBot(2*i+1, stats)
		if err != nil {
			log.Printf("[Pair %d] %v", i, err)
			a.close()
			continue
		}

		wg.Add(2)
		go func() { defer wg.Done(); defer a.close(); a.run(b.username, until, stop) }()
		go func() { defer wg.Done(); defer b.close(); b.run(a.username, until, stop) }()
	}

	wg.Wait()
	stopAll()

	sent, failed, connErrors, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("  - Replies: %d", stats.repliesSent.Load())
	log.Printf("  - Live deliveries observed: %d", stats.liveDeliveries.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000)
	if sent+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
