package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wpdepot/wpdepot/internal/client"
	"github.com/wpdepot/wpdepot/internal/installbridge"
)

// companion builds a bridge to the companion named in the settings file
func (a *app) companion() (*installbridge.Bridge, error) {
	store, err := a.store()
	if err != nil {
		return nil, err
	}
	s, err := store.Read()
	if err != nil {
		return nil, err
	}
	return client.NewBridge(s)
}

// target picks the proxy through a registered server when serverID is set,
// and the companion from settings otherwise.
type target struct {
	catalog  *client.CatalogClient
	bridge   *installbridge.Bridge
	serverID string
}

func (a *app) target(serverID string) (*target, error) {
	if serverID != "" {
		catalog, err := a.catalog()
		if err != nil {
			return nil, err
		}
		return &target{catalog: catalog, serverID: serverID}, nil
	}
	bridge, err := a.companion()
	if err != nil {
		return nil, err
	}
	return &target{bridge: bridge}, nil
}

func (t *target) Install(ctx context.Context, pluginID string) (*installbridge.InstallResult, error) {
	if t.bridge != nil {
		return t.bridge.Install(ctx, pluginID)
	}
	return client.ServerTarget{Client: t.catalog, ServerID: t.serverID}.Install(ctx, pluginID)
}

func (t *target) check(ctx context.Context, slug string) (bool, error) {
	if t.bridge != nil {
		return t.bridge.Check(ctx, slug)
	}
	return t.catalog.CheckOnServer(ctx, t.serverID, slug)
}

func (t *target) installed(ctx context.Context) ([]installbridge.InstalledPlugin, error) {
	if t.bridge != nil {
		return t.bridge.ListInstalled(ctx)
	}
	return t.catalog.ListInstalledOnServer(ctx, t.serverID)
}

func newInstallCmd(a *app) *cobra.Command {
	var serverID string
	cmd := &cobra.Command{
		Use:   "install <plugin-id>",
		Short: "Install a catalog plugin on a WordPress site",
		Long: "Install a catalog plugin on a WordPress site. With --server the catalog\n" +
			"proxies the install to that registered site; without it the companion\n" +
			"from the settings file is called directly.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.target(serverID)
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()

			// The view is only used for its install state machine, so it
			// needs no catalog client.
			res, err := client.NewCatalogView(nil).Install(ctx, t, args[0])
			if res != nil {
				if rerr := a.render(res, func(w io.Writer) {
					switch res.Status {
					case installbridge.StatusAlreadyInstalled:
						fmt.Fprintf(w, "Already installed: %s\n", res.Message)
					case installbridge.StatusInstalled:
						fmt.Fprintf(w, "Installed: %s\n", res.Message)
					default:
						fmt.Fprintf(w, "Install failed: %s\n", res.Message)
					}
				}); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "registered server id to install on")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var serverID string
	cmd := &cobra.Command{
		Use:   "check <slug>",
		Short: "Report whether a plugin is installed, matching the slug exactly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.target(serverID)
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			installed, err := t.check(ctx, args[0])
			if err != nil {
				return err
			}
			return a.render(installbridge.CheckResult{Installed: installed}, func(w io.Writer) {
				if installed {
					fmt.Fprintf(w, "%s is installed\n", args[0])
				} else {
					fmt.Fprintf(w, "%s is not installed\n", args[0])
				}
			})
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "registered server id to query")
	return cmd
}

func newInstalledCmd(a *app) *cobra.Command {
	var serverID string
	cmd := &cobra.Command{
		Use:   "installed",
		Short: "List the plugins installed on a WordPress site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.target(serverID)
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			plugins, err := t.installed(ctx)
			if err != nil {
				return err
			}
			return a.render(plugins, func(w io.Writer) {
				fmt.Fprintln(w, "SLUG\tNAME\tVERSION\tACTIVE")
				for _, p := range plugins {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", p.Slug, p.Name, p.Version, p.Active)
				}
			})
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "registered server id to query")
	return cmd
}
