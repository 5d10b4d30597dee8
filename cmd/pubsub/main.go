// Command pubsub is a command-line publisher and subscriber for a herald
// cluster.
//
//	pubsub subscribe --leader 127.0.0.1:6000 --topic orders --topic audit
//	pubsub publish --leader 127.0.0.1:6000 --topic orders "order 42 shipped"
//
// Without message arguments, publish sends one event per line of stdin.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/herald/internal/wire"
)

type clientParams struct {
	leader      string
	listen      string
	dialTimeout time.Duration
}

func (p clientParams) transport() wire.Transport {
	return wire.Transport{DialTimeout: p.dialTimeout, IOTimeout: p.dialTimeout}
}

func newRootCmd() *cobra.Command {
	var params clientParams
	rootCmd := &cobra.Command{
		Use:          "pubsub",
		Short:        "Publish to and subscribe on a herald cluster",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&params.leader, "leader", "127.0.0.1:6000", "client address of the cluster leader")
	rootCmd.PersistentFlags().StringVar(&params.listen, "listen", "127.0.0.1:0", "local address the assigned node dials")
	rootCmd.PersistentFlags().DurationVar(&params.dialTimeout, "dial-timeout", 2*time.Second, "connect and write timeout")

	rootCmd.AddCommand(newPublishCmd(&params), newSubscribeCmd(&params))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
