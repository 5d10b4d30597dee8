package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamware/herald/internal/client"
)

func newSubscribeCmd(params *clientParams) *cobra.Command {
	var topics []string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Print events for one or more topics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := client.NewSubscriber(client.SubscriberConfig{
				ListenAddr:  params.listen,
				ClientAddr:  params.leader,
				Topics:      topics,
				Transport:   params.transport(),
				Resubscribe: true,
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx := cmd.Context()
			if err := sub.Register(ctx); err != nil {
				return fmt.Errorf("register: %w", err)
			}
			go sub.Run(ctx)

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-sub.Events():
					fmt.Fprintf(out, "[%s] %s (node %d)\n", ev.Topic, ev.Payload, ev.NodeID)
				}
			}
		},
	}
	cmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "topic to subscribe to (repeatable)")
	return cmd
}
