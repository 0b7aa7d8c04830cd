package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aide-dev/aide/internal/config"
	"github.com/aide-dev/aide/internal/prefs"
	"github.com/aide-dev/aide/internal/render"
)

func prefsCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect learned preferences",
		Long:  "Show the cross-project preference store: what aide has learned about how you like to work.",
	}
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "Account to inspect (default: AIDE_USER)")

	resolveUser := func() string {
		if userID != "" {
			return userID
		}
		return config.Env().UserID
	}

	// aide prefs list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all preference facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			facts, err := store.List(context.Background(), resolveUser())
			if err != nil {
				return err
			}

			r := render.New(pretty)
			fmt.Print(r.Facts(facts))
			return nil
		},
	}

	// aide prefs history <key>
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <key>",
		Short: "Show the write history of one preference",
		Long:  "Show every recorded write for a key, newest first, losing writes included.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			facts, err := store.History(context.Background(), resolveUser(), args[0], limit)
			if err != nil {
				return err
			}

			r := render.New(pretty)
			fmt.Print(r.History(args[0], facts))
			return nil
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of writes to show")

	// aide prefs get <key>
	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show one preference fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			fact, err := store.Get(context.Background(), resolveUser(), args[0])
			if errors.Is(err, prefs.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "no such preference: %s\n", args[0])
				os.Exit(1)
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s = %s (confidence %.2f, from %s)\n",
				fact.Key, fact.Value, fact.Confidence, fact.SourceSession)
			return nil
		},
	}

	cmd.AddCommand(listCmd, historyCmd, getCmd)
	return cmd
}

func openStore() (prefs.Store, error) {
	return prefs.Open(config.GetPaths().Data, config.Env().AutoApplyThreshold)
}
