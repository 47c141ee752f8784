package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/timamz/SmartScale/pkg/models"
)

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}

	var scopes []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Issue a new API key; the raw key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw, err := a.svc.CreateKey(operatorCtx(cmd.Context()), args[0], scopes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:     %s\nname:   %s\nscopes: %s\nkey:    %s\n",
				key.ID, key.Name, strings.Join(key.Scopes, ","), raw)
			return nil
		},
	}
	create.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to grant (repeatable); only \"admin\" is defined")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := a.svc.ListKeys(operatorCtx(cmd.Context()))
			if err != nil {
				return err
			}
			return writeKeys(cmd.OutOrStdout(), keys)
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			if err := a.svc.RevokeKey(operatorCtx(cmd.Context()), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked", id)
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func newPricesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "prices", Short: "Manage the label price table"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print all prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prices, err := a.svc.ListPrices(cmd.Context())
			if err != nil {
				return err
			}
			return writePrices(cmd.OutOrStdout(), prices)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <label> <price-per-unit>",
		Short: "Create or update the price for a label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("price must be a number, got %q", args[1])
			}
			entry, err := a.svc.SetPrice(operatorCtx(cmd.Context()), args[0], price)
			if err != nil {
				return err
			}
			return writePrices(cmd.OutOrStdout(), []*models.PriceEntry{entry})
		},
	})

	return cmd
}

func newModelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "model", Short: "Inspect or reload the active model"}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active model identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.svc.ActiveModel(cmd.Context())
			if err != nil {
				return err
			}
			writeModel(cmd.OutOrStdout(), reg)
			return nil
		},
	})

	var modelID, revision string
	reload := &cobra.Command{
		Use:   "reload",
		Short: "Switch workers to another model id and/or revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.svc.ReloadModel(operatorCtx(cmd.Context()), models.ModelRef{ID: modelID, Revision: revision})
			if err != nil {
				return err
			}
			writeModel(cmd.OutOrStdout(), reg)
			return nil
		},
	}
	reload.Flags().StringVar(&modelID, "model-id", "", "New model id (keeps the current one when empty)")
	reload.Flags().StringVar(&revision, "revision", "", "New model revision (keeps the current one when empty)")

	cmd.AddCommand(reload)
	return cmd
}

func newJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect jobs"}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			job, err := a.svc.GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJob(cmd.OutOrStdout(), job)
		},
	})

	return cmd
}
