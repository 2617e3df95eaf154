package cli

import (
	"github.com/spf13/cobra"
)

func NewMessengerRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "amqp-messenger",
		Short: "Send and receive batches of AMQP 1.0 messages",
		Long: `amqp-messenger delivers a batch of messages to a broker address and reports
how many of them the broker accepted or rejected, or consumes messages from an
address.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(NewCmdSend())
	rootCmd.AddCommand(NewCmdReceive())

	return rootCmd
}
