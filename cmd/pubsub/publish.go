package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/herald/internal/client"
)

func newPublishCmd(params *clientParams) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "publish [message...]",
		Short: "Publish messages to a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return fmt.Errorf("--topic is required")
			}
			pub, err := client.NewPublisher(client.PublisherConfig{
				ListenAddr: params.listen,
				ClientAddr: params.leader,
				Transport:  params.transport(),
			})
			if err != nil {
				return err
			}
			defer pub.Close()

			if err := pub.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			send := func(payload string) error {
				id, err := pub.Publish(topic, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id)
				return nil
			}

			if len(args) > 0 {
				return send(strings.Join(args, " "))
			}
			return publishLines(cmd.InOrStdin(), send)
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic to publish on")
	return cmd
}

// publishLines calls send for every non-empty line of r.
func publishLines(r io.Reader, send func(string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
