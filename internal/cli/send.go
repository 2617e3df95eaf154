package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	iflag "github.com/skupperproject/skupper-messenger/internal/flag"
	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

type SendOptions struct {
	Options
	QoS int
}

func NewCmdSend() *cobra.Command {
	return newCmdSend(&SendOptions{})
}

func newCmdSend(opts *SendOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [body...]",
		Short: "Send a batch of messages and report their outcome",
		Long: `Sends every argument as one message, or every line of standard input when no
argument is given, then prints how many messages were sent, confirmed,
accepted and rejected as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args)
		},
	}
	opts.AddFlags(cmd)
	iflag.IntVarP(cmd.Flags(), &opts.QoS, "qos", "q", "AMQP_QOS", int(messenger.QoSAtLeastOnce), "Quality of service: 0, 1 or 2 (durable)")
	return cmd
}

func (o *SendOptions) validate() error {
	if o.URL == "" {
		return fmt.Errorf("--url is required")
	}
	if o.Address == "" {
		return fmt.Errorf("--address is required")
	}
	if o.QoS < 0 || o.QoS > 2 {
		return fmt.Errorf("invalid qos %d: must be 0, 1 or 2", o.QoS)
	}
	return o.Options.validate()
}

func runSend(cmd *cobra.Command, opts *SendOptions, args []string) error {
	if err := opts.validate(); err != nil {
		return err
	}
	logger, err := opts.newLogger(cmd)
	if err != nil {
		return err
	}
	messages, err := readBodies(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, stop, err := opts.newClient(logger)
	if err != nil {
		return err
	}
	defer stop()

	result, err := c.SendMessages(ctx, opts.URL, opts.Address, messages, messenger.QoS(opts.QoS))
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(result); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}
	if result.Confirmed < result.Total {
		return fmt.Errorf("only %d of %d messages were confirmed", result.Confirmed, result.Total)
	}
	return nil
}

func readBodies(in io.Reader, args []string) ([]any, error) {
	var messages []any
	if len(args) > 0 {
		for _, arg := range args {
			messages = append(messages, arg)
		}
		return messages, nil
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		messages = append(messages, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading messages: %w", err)
	}
	return messages, nil
}
