package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wpdepot/wpdepot/internal/client"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the local client settings",
	}

	var reveal bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the settings in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			s, err := store.Read()
			if err != nil {
				return err
			}
			if !reveal {
				redacted := s.Redacted()
				s = &redacted
			}
			return a.render(s, func(w io.Writer) {
				fmt.Fprintf(w, "file\t%s\n", store.Path())
				fmt.Fprintf(w, "server_url\t%s\n", s.ServerURL)
				fmt.Fprintf(w, "api_key\t%s\n", s.APIKey)
				fmt.Fprintf(w, "companion_url\t%s\n", s.CompanionURL)
				fmt.Fprintf(w, "companion_api_key\t%s\n", s.CompanionAPIKey)
			})
		},
	}
	show.Flags().BoolVar(&reveal, "reveal", false, "print keys in full")

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one setting (" + strings.Join(client.SettingKeys(), ", ") + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			s, err := store.Read()
			if err != nil {
				return err
			}
			if err := s.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := store.Save(s); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s updated in %s\n", args[0], store.Path())
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}
