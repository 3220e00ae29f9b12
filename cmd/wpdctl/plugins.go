package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wpdepot/wpdepot/internal/client"
)

func newPluginsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "List, upload and delete catalog plugins",
	}
	cmd.AddCommand(
		newPluginsListCmd(a),
		newPluginsUploadCmd(a),
		newPluginsDeleteCmd(a),
		newPluginsURLCmd(a),
	)
	return cmd
}

func newPluginsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog plugins, newest upload first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()

			plugins, err := client.NewCatalogView(catalog).Plugins(ctx)
			if err != nil {
				return err
			}
			return a.render(plugins, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tSLUG\tNAME\tVERSION\tUPLOADED")
				for _, p := range plugins {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Slug, p.Name, p.Version, p.UploadDate.Format("2006-01-02 15:04"))
				}
			})
		},
	}
}

func newPluginsUploadCmd(a *app) *cobra.Command {
	var (
		version, description, name string
		signaturePath              string
	)
	cmd := &cobra.Command{
		Use:   "upload <archive.zip>",
		Short: "Upload a plugin archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer f.Close()

			req := client.UploadRequest{
				File:        f,
				Filename:    filepath.Base(args[0]),
				Version:     version,
				Description: description,
				Name:        name,
			}
			if signaturePath != "" {
				if req.Signature, err = os.ReadFile(signaturePath); err != nil {
					return fmt.Errorf("failed to read signature: %w", err)
				}
			}

			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			p, err := client.NewCatalogView(catalog).Upload(ctx, req)
			if err != nil {
				return err
			}
			return a.render(p, func(w io.Writer) {
				fmt.Fprintf(w, "Uploaded %s %s (%s)\n", p.Slug, p.Version, p.ID)
				fmt.Fprintf(w, "file_url\t%s\n", p.FileURL)
				fmt.Fprintf(w, "sha256\t%s\n", p.Checksum)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "plugin version (required)")
	cmd.Flags().StringVar(&description, "description", "", "description shown in the catalog")
	cmd.Flags().StringVar(&name, "name", "", "display name; defaults to the plugin header's Plugin Name")
	cmd.Flags().StringVar(&signaturePath, "signature", "", "detached OpenPGP signature of the archive")
	return cmd
}

func newPluginsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a plugin and its archive",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			if err := client.NewCatalogView(catalog).Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newPluginsURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url <id>",
		Short: "Print the download URL of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			u, err := client.NewCatalogView(catalog).DownloadURL(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, u)
			return nil
		},
	}
}
