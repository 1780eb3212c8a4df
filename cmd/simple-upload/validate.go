package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/pkg/simpleupload/config"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var checkKeys bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Loads the configuration exactly as serve would and reports the
effective settings. A postgres ledger is pinged, and --check-keys also
downloads the signing key set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "port\t%s\n", cfg.Port)
			fmt.Fprintf(tw, "environment\t%s\n", cfg.Environment)
			fmt.Fprintf(tw, "audience\t%s\n", cfg.Audience())
			fmt.Fprintf(tw, "issuer\t%s\n", cfg.Issuer())
			fmt.Fprintf(tw, "jwks uri\t%s\n", cfg.JWKSURI())
			fmt.Fprintf(tw, "algorithm\t%s\n", cfg.Auth.Algorithm)
			fmt.Fprintf(tw, "storage\t%s\n", cfg.Storage.Type)
			fmt.Fprintf(tw, "database\t%s\n", cfg.DatabaseType)
			fmt.Fprintf(tw, "max file size\t%d\n", cfg.Upload.MaxFileSize)
			fmt.Fprintf(tw, "max files\t%d\n", cfg.Upload.MaxFiles)
			if err := tw.Flush(); err != nil {
				return err
			}

			if cfg.DatabaseType == "postgres" {
				if err := config.PingPostgres(cmd.Context(), cfg.DatabaseURL, cfg.DBSchema); err != nil {
					return err
				}
				fmt.Fprintln(out, "database reachable")
			}

			if checkKeys {
				keys, err := cfg.BuildKeyCache(nil, nil)
				if err != nil {
					return err
				}
				set, err := keys.Fetch(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "key set reachable (%d signing keys)\n", len(set))
			}

			fmt.Fprintln(out, "configuration is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkKeys, "check-keys", false, "also fetch the signing key set")
	return cmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the supported environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
			return err
		},
	}
}
