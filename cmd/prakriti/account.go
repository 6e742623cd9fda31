package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ashureev/prakriti/internal/credential"
	"github.com/spf13/cobra"
)

func newLoginCommand(flags *rootFlags) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the credential sent when connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := credential.Save(cmd.Context(), a.kv, token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "credential issued by the Prakriti service")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := credential.Forget(cmd.Context(), a.kv); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed.")
			return nil
		},
	}
}

func newTranscriptCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect or erase the saved conversation",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			t, err := a.transcripts.Load(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(t)
			}
			for _, m := range t {
				fmt.Fprintf(out, "%-6s %s\n", m.Sender+":", m.Text)
			}
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the stored JSON")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Erase the saved conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.transcripts.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Transcript cleared.")
			return nil
		},
	}

	cmd.AddCommand(show, clearCmd)
	return cmd
}
