package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/prakriti/internal/host"
	"github.com/spf13/cobra"
)

func newChatCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the chat in this terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Logs go to stderr so they do not interleave with the conversation.
			a, err := setup(flags, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := a.newWidget()
			if err != nil {
				return err
			}

			term := host.NewTerminal(w, cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg.Dosha.Greeting())
			return term.Run(ctx)
		},
	}
}
