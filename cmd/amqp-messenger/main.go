package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/skupperproject/skupper-messenger/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.NewMessengerRootCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
