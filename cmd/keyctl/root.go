package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inaiurai/keyservice/internal/keys"
)

func newRootCmd(wire func(context.Context) (*app, error)) *cobra.Command {
	var a *app
	rootCmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "Operate the key service: sweep, revoke, inspect accounts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = wire(cmd.Context())
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil && a.close != nil {
				a.close()
			}
		},
	}
	get := func() *app { return a }

	rootCmd.AddCommand(
		newSweepCmd(get),
		newRevokeCmd(get),
		newAccountCmd(get),
		newTokenCmd(get),
	)
	return rootCmd
}

func newSweepCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate expired free keys now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := app().keys.SweepExpiredFreeKeys(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d free key(s)\n", n)
			return nil
		},
	}
}

func newRevokeCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key>",
		Short: "Permanently deactivate a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := app().keys.RevokeKey(cmd.Context(), args[0])
			if errors.Is(err, keys.ErrNotFound) {
				return fmt.Errorf("no key %q", args[0])
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "revoked %s key of account %s\n", key.Kind, key.AccountID)
			return nil
		},
	}
}

func newAccountCmd(app func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect accounts",
	}
	cmd.AddCommand(newAccountShowCmd(app))
	return cmd
}

func newAccountShowCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show bindings, valid keys and payments of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app().keys.Status(cmd.Context(), args[0])
			if errors.Is(err, keys.ErrNotFound) {
				return fmt.Errorf("no account %q", args[0])
			}
			if err != nil {
				return err
			}
			pays, err := app().payments.ListByAccountID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			acc := st.Account
			_, _ = fmt.Fprintf(out, "account:   %s (%s)\n", acc.AccountID, acc.DisplayName)
			if acc.ExternalUsername != nil && acc.ExternalID != nil {
				_, _ = fmt.Fprintf(out, "identity:  %s (%d)\n", *acc.ExternalUsername, *acc.ExternalID)
			} else {
				_, _ = fmt.Fprintln(out, "identity:  not bound")
			}
			_, _ = fmt.Fprintf(out, "hardware:  bound=%t\n", acc.HardwareBound())

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "\nKIND\tKEY\tEXPIRES\tHOURS LEFT")
			for _, ks := range st.ValidKeys {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", ks.Key.Kind, ks.Key.Value, ks.Key.ExpiresAt.Format(time.RFC3339), ks.RemainingHours)
			}
			_, _ = fmt.Fprintln(tw, "\nINVOICE\tORDER\tAMOUNT\tSTATUS")
			for _, p := range pays {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ProviderInvoiceID, p.OrderID, p.Amount, p.Status)
			}
			return tw.Flush()
		},
	}
}

func newTokenCmd(app func() *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Mint a command API token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := app().tokens.Sign(args[0], name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	return cmd
}
