// Command jspingd is an operator smoke-test server: it listens for
// JetStreamProto connections and echoes every received payload back on the
// same stream, the way the teacher's own service-side tools stay a thin
// wrapper around the library (ping/ping.go's client-side counterpart is
// cmd/jsping).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jetstreamproto/jetstreamproto/conn"
	"github.com/jetstreamproto/jetstreamproto/internal/config"
)

var (
	listenAddr   string
	rateMessages float64
	rateBytes    float64
	fecEnabled   bool
)

func main() {
	root := &cobra.Command{
		Use:   "jspingd",
		Short: "Echo server for JetStreamProto smoke testing",
		RunE:  run,
	}
	root.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7890", "UDP address to listen on")
	root.Flags().Float64Var(&rateMessages, "rate-messages", 100, "global rate limit, messages/s")
	root.Flags().Float64Var(&rateBytes, "rate-bytes", 1<<20, "global rate limit, bytes/s")
	root.Flags().BoolVar(&fecEnabled, "fec", false, "enable outbound FEC on echoed streams")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.New(config.WithFEC(fecEnabled, 10, 2))
	global, err := conn.NewGlobal(rateMessages, rateBytes)
	if err != nil {
		return fmt.Errorf("jspingd: build rate limiter: %w", err)
	}

	acceptor, err := conn.Listen(listenAddr, cfg, global)
	if err != nil {
		return fmt.Errorf("jspingd: listen %s: %w", listenAddr, err)
	}
	defer acceptor.Close()

	fmt.Printf("jspingd listening on %s\n", acceptor.LocalAddr())
	for {
		c, err := acceptor.Accept()
		if err != nil {
			return err
		}
		go serve(c)
	}
}

func serve(c *conn.Connection) {
	fmt.Printf("accepted connection from %s\n", c.RemoteAddr())
	for {
		d, err := c.Recv()
		if err != nil {
			fmt.Printf("connection from %s closed: %v\n", c.RemoteAddr(), err)
			return
		}
		if err := c.SendOnStream(d.StreamID, d.Data); err != nil {
			fmt.Printf("echo to stream %d failed: %v\n", d.StreamID, err)
			return
		}
	}
}
