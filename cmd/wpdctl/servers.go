package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wpdepot/wpdepot/internal/client"
)

func newServersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"server"},
		Short:   "Manage the WordPress sites registered in the catalog",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			servers, err := client.NewServerView(catalog).Servers(ctx)
			if err != nil {
				return err
			}
			return a.render(servers, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tNAME\tURL\tCREATED")
				for _, s := range servers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.URL, s.CreatedAt.Format("2006-01-02"))
				}
			})
		},
	}

	var apiKey string
	add := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a WordPress site running the companion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			s, err := client.NewServerView(catalog).Create(ctx, args[0], args[1], apiKey)
			if err != nil {
				return err
			}
			return a.render(s, func(w io.Writer) {
				fmt.Fprintf(w, "Registered %s (%s)\n", s.Name, s.ID)
				if apiKey == "" && s.APIKey != "" {
					fmt.Fprintf(w, "Generated companion key: %s\n", s.APIKey)
					fmt.Fprintln(w, "Set it as api_key in the site's companion.yaml.")
				}
			})
		},
	}
	add.Flags().StringVar(&apiKey, "api-key", "", "the companion's API key; generated when omitted")

	remove := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Unregister a server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			if err := client.NewServerView(catalog).Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}
