package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go-chat-sync/internal/client"
	"go-chat-sync/internal/protocol"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type loadtestOptions struct {
	pairs    int
	messages int
	interval time.Duration
	timeout  time.Duration
	prefix   string
	password string
}

// loadResult is shared by every pair goroutine.
type loadResult struct {
	failed    atomic.Int64
	sent      atomic.Int64
	delivered atomic.Int64
}

func newLoadtestCmd(global *globalOptions) *cobra.Command {
	opts := &loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Spawn user pairs that chat with each other and count deliveries",
		Long: "loadtest registers two users per pair, connects both, opens their direct " +
			"conversation on each side and has both users send messages. Every message is " +
			"expected to reach both windows through the live stream exactly once.",
		Args: cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.pairs <= 0 || opts.messages <= 0 {
				return errors.New("--pairs and --messages must be positive")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoadtest(cmd, global, opts)
		},
	}

	cmd.Flags().IntVar(&opts.pairs, "pairs", 50, "Number of user pairs (each pair is two users)")
	cmd.Flags().IntVar(&opts.messages, "messages", 20, "Messages sent by each user")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Millisecond, "Pause between sends of one user")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long to wait for deliveries after sending")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "u", "Username prefix for generated users")
	cmd.Flags().StringVar(&opts.password, "password", "password123", "Password for generated users")

	return cmd
}

func runLoadtest(cmd *cobra.Command, global *globalOptions, opts *loadtestOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := global.logger()
	defer log.Sync()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🔥 STARTING STRESS TEST: %d users, %d messages each...\n", opts.pairs*2, opts.messages)

	start := time.Now()
	res := &loadResult{}
	var wg sync.WaitGroup
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(ctx, global.server, opts, pairID, res, log); err != nil {
				res.failed.Add(1)
				log.Warn("pair failed", zap.Int("pair", pairID), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	expected := int64(opts.pairs-int(res.failed.Load())) * int64(opts.messages) * 4
	fmt.Fprintf(out, "✅ LOAD TEST COMPLETE in %s: %d pairs (%d failed), %d sent, %d/%d delivered\n",
		time.Since(start).Round(time.Millisecond), opts.pairs, res.failed.Load(),
		res.sent.Load(), res.delivered.Load(), expected)

	if res.failed.Load() > 0 {
		return fmt.Errorf("%d of %d pairs failed", res.failed.Load(), opts.pairs)
	}
	return nil
}

// runPair has users a and b open their conversation and both send. Each
// message reaches both windows (the sender's through its own echo), so a
// clean pair ends with 2*messages entries on each side.
func runPair(ctx context.Context, server string, opts *loadtestOptions, pairID int, res *loadResult, log *zap.Logger) error {
	a, err := connectUser(ctx, server, fmt.Sprintf("%s_%d_a", opts.prefix, pairID), opts.password, log)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := connectUser(ctx, server, fmt.Sprintf("%s_%d_b", opts.prefix, pairID), opts.password, log)
	if err != nil {
		return err
	}
	defer b.Close()

	key := protocol.DirectKey(a.Self(), b.Self())
	// Earlier runs may have left history; only new deliveries are counted.
	if err := a.Select(ctx, key); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if err := b.Select(ctx, key); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	baseA, baseB := a.Messages.Len(), b.Messages.Len()

	var wg sync.WaitGroup
	sendErr := make(chan error, 2)
	for _, s := range []*client.Session{a, b} {
		wg.Add(1)
		go func(s *client.Session) {
			defer wg.Done()
			for i := 0; i < opts.messages; i++ {
				if _, err := s.Send(ctx, fmt.Sprintf("LoadTest Msg %d from %d", i, s.Self())); err != nil {
					sendErr <- err
					return
				}
				res.sent.Add(1)
				select {
				case <-ctx.Done():
					return
				case <-time.After(opts.interval):
				}
			}
		}(s)
	}
	wg.Wait()
	close(sendErr)
	if err := <-sendErr; err != nil {
		return fmt.Errorf("send: %w", err)
	}

	want := 2 * opts.messages
	deadline := time.NewTimer(opts.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		gotA, gotB := a.Messages.Len()-baseA, b.Messages.Len()-baseB
		if gotA >= want && gotB >= want {
			res.delivered.Add(int64(gotA + gotB))
			return nil
		}
		select {
		case <-tick.C:
			continue
		case <-ctx.Done():
		case <-deadline.C:
		}
		res.delivered.Add(int64(gotA + gotB))
		return fmt.Errorf("delivered %d/%d to a and %d/%d to b", gotA, want, gotB, want)
	}
}

// connectUser registers and logs in username, then opens a live session.
func connectUser(ctx context.Context, server, username, password string, log *zap.Logger) (*client.Session, error) {
	api := client.NewAPI(server, nil)
	me, err := login(ctx, api, username, password, true)
	if err != nil {
		return nil, err
	}
	s, err := client.Connect(ctx, api, me.ID, client.Options{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", username, err)
	}
	go func() {
		if err := s.Run(ctx); err != nil {
			log.Debug("session ended", zap.String("user", username), zap.Error(err))
		}
	}()
	return s, nil
}
