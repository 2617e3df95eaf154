package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	iflag "github.com/skupperproject/skupper-messenger/internal/flag"
	"github.com/skupperproject/skupper-messenger/pkg/credentials"
	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

type ReceiveOptions struct {
	Options
	Count int
}

func NewCmdReceive() *cobra.Command {
	return newCmdReceive(&ReceiveOptions{})
}

func newCmdReceive(opts *ReceiveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive messages and print their bodies",
		Long: `Receives messages from an address and prints each body on its own line.
When --url or --address are not given they are read from the url and first
addresses entry of the credentials file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd, opts)
		},
	}
	opts.AddFlags(cmd)
	iflag.IntVarP(cmd.Flags(), &opts.Count, "count", "n", "AMQP_COUNT", 10, "Number of messages to receive, 0 to receive until interrupted")
	return cmd
}

// complete fills url and address from the credentials file.
func (o *ReceiveOptions) complete() error {
	if o.URL != "" && o.Address != "" {
		return nil
	}
	file, err := credentials.Load(o.CredentialsFile)
	if err != nil {
		return err
	}
	if o.URL == "" {
		o.URL = file.URL
	}
	if o.Address == "" && len(file.Addresses) > 0 {
		o.Address = file.Addresses[0]
	}
	return nil
}

func (o *ReceiveOptions) validate() error {
	if o.URL == "" {
		return fmt.Errorf("no url given and none found in %s", o.CredentialsFile)
	}
	if o.Address == "" {
		return fmt.Errorf("no address given and none found in %s", o.CredentialsFile)
	}
	if o.Count < 0 {
		return fmt.Errorf("invalid count %d", o.Count)
	}
	return o.Options.validate()
}

func runReceive(cmd *cobra.Command, opts *ReceiveOptions) error {
	if err := opts.complete(); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}
	logger, err := opts.newLogger(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, stop, err := opts.newClient(logger)
	if err != nil {
		return err
	}
	defer stop()

	out := cmd.OutOrStdout()
	received, err := c.Receive(ctx, opts.URL, opts.Address, opts.Count, func(msg messenger.Message) {
		switch body := msg.Body.(type) {
		case []byte:
			fmt.Fprintln(out, string(body))
		default:
			fmt.Fprintln(out, body)
		}
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	if opts.Count > 0 && received < opts.Count {
		return fmt.Errorf("received %d of %d messages", received, opts.Count)
	}
	return nil
}
