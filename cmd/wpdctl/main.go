// Package main is wpdctl, the operator client of the wpdepot catalog. It
// keeps its endpoint and key in a local settings file, drives the catalog
// through client.CatalogView, and installs plugins either through a
// registered server or directly through a companion.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wpdepot/wpdepot/internal/client"
	"github.com/wpdepot/wpdepot/internal/telemetry"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the global flags shared by every subcommand
type app struct {
	settingsPath string
	output       string
	timeout      time.Duration
	out          io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:          "wpdctl",
		Short:        "Manage the wpdepot plugin catalog and install plugins on WordPress sites",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.settingsPath, "settings", "", "settings file (default $WPD_SETTINGS or ~/.config/wpdepot/settings.yaml)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "Output format: table or json")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 5*time.Minute, "request timeout")

	root.AddCommand(
		newSettingsCmd(a),
		newPluginsCmd(a),
		newServersCmd(a),
		newInstallCmd(a),
		newCheckCmd(a),
		newInstalledCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.out, "wpdctl v%s\n", telemetry.Version)
		},
	}
}

func (a *app) store() (*client.SettingsStore, error) {
	return client.NewSettingsStore(a.settingsPath)
}

func (a *app) catalog() (*client.CatalogClient, error) {
	store, err := a.store()
	if err != nil {
		return nil, err
	}
	return client.NewCatalogClient(store), nil
}

func (a *app) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.timeout)
}

// render writes v as JSON, or calls table with a tab-separated writer
func (a *app) render(v interface{}, table func(w io.Writer)) error {
	switch strings.ToLower(a.output) {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table", "":
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", a.output)
	}
}
