// Command jsping connects to a jspingd instance, sends a configurable
// number of pings over a single stream, and reports round-trip latency and
// loss, in the style of the teacher's own ping tool (ping/ping.go's
// sendPings: count+concurrency flags, a running success/fail tally, and a
// final percentage summary).
package main

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/jetstreamproto/jetstreamproto/conn"
	"github.com/jetstreamproto/jetstreamproto/internal/config"
	"github.com/jetstreamproto/jetstreamproto/session"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// correlator matches echoed replies to the ping that produced them by
// payload content, since Connection.Recv is a single shared channel and
// concurrent pings would otherwise risk crediting one ping's RTT to
// another's reply.
type correlator struct {
	c *conn.Connection

	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	payload []byte
	done    chan struct{}
	matched bool
}

func newCorrelator(c *conn.Connection) *correlator {
	cr := &correlator{c: c}
	go cr.run()
	return cr
}

func (cr *correlator) run() {
	for {
		d, err := cr.c.Recv()
		if err != nil {
			cr.mu.Lock()
			for _, w := range cr.waiters {
				close(w.done)
			}
			cr.waiters = nil
			cr.mu.Unlock()
			return
		}
		cr.mu.Lock()
		for i, w := range cr.waiters {
			if bytes.Equal(w.payload, d.Data) {
				cr.waiters = append(cr.waiters[:i], cr.waiters[i+1:]...)
				w.matched = true
				cr.mu.Unlock()
				close(w.done)
				goto next
			}
		}
		cr.mu.Unlock()
	next:
	}
}

func (cr *correlator) sendAndWait(streamID uint32, payload []byte) (time.Duration, bool) {
	w := &waiter{payload: payload, done: make(chan struct{})}
	cr.mu.Lock()
	cr.waiters = append(cr.waiters, w)
	cr.mu.Unlock()

	start := time.Now()
	if err := cr.c.SendOnStream(streamID, payload); err != nil {
		return 0, false
	}
	<-w.done
	return time.Since(start), w.matched
}

var (
	remoteAddr  string
	count       int
	concurrency int
	payloadSize int
	modeFlag    string
)

func main() {
	root := &cobra.Command{
		Use:   "jsping",
		Short: "Ping a jspingd instance over JetStreamProto",
		RunE:  run,
	}
	root.Flags().StringVar(&remoteAddr, "addr", "127.0.0.1:7890", "server UDP address")
	root.Flags().IntVar(&count, "count", 10, "number of pings to send")
	root.Flags().IntVar(&concurrency, "concurrency", 4, "concurrent pings in flight")
	root.Flags().IntVar(&payloadSize, "size", 256, "payload size in bytes")
	root.Flags().StringVar(&modeFlag, "mode", "reliable", "delivery mode: reliable|partially-reliable|best-effort")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func deliveryMode() (wire.DeliveryMode, error) {
	switch modeFlag {
	case "reliable":
		return wire.Reliable, nil
	case "partially-reliable":
		return wire.PartiallyReliable, nil
	case "best-effort":
		return wire.BestEffort, nil
	default:
		return 0, fmt.Errorf("jsping: unknown mode %q", modeFlag)
	}
}

func run(cmd *cobra.Command, args []string) error {
	mode, err := deliveryMode()
	if err != nil {
		return err
	}

	cfg := config.Default()
	c, err := conn.Connect(remoteAddr, cfg, nil)
	if err != nil {
		return fmt.Errorf("jsping: connect to %s: %w", remoteAddr, err)
	}
	defer c.Close(session.CloseNormal, "ping run complete")

	s, err := c.OpenStream(mode, 0, 0)
	if err != nil {
		return fmt.Errorf("jsping: open stream: %w", err)
	}

	fmt.Printf("Sending %d pings (%d bytes, mode=%s) to %s\n", count, payloadSize, modeFlag, remoteAddr)

	cr := newCorrelator(c)

	var passed, failed uint64
	var totalRTT int64
	wg := new(sync.WaitGroup)
	sem := make(chan struct{}, concurrency)

	for i := 0; i < count; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			rtt, ok := sendPing(cr, s.ID(), payloadSize)
			if ok {
				fmt.Print("!")
				atomic.AddUint64(&passed, 1)
				atomic.AddInt64(&totalRTT, int64(rtt))
			} else {
				fmt.Print("~")
				atomic.AddUint64(&failed, 1)
			}
		}()
	}
	wg.Wait()
	fmt.Println()

	percent := float64(passed) * 100 / float64(count)
	fmt.Printf("Success rate: %.1f%% (%d/%d)\n", percent, passed, count)
	if passed > 0 {
		avg := time.Duration(totalRTT / int64(passed))
		fmt.Printf("Average RTT: %s\n", avg)
	}
	return nil
}

func sendPing(cr *correlator, streamID uint32, size int) (time.Duration, bool) {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return 0, false
	}
	return cr.sendAndWait(streamID, payload)
}
