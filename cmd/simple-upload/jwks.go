package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/jwks"
)

func newJWKSCmd(root *rootOptions) *cobra.Command {
	var uri string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "List the signing keys published by the identity provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uri == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				uri = cfg.JWKSURI()
			}

			cache, err := jwks.New(uri, jwks.WithFetchTimeout(timeout))
			if err != nil {
				return err
			}

			keys, err := cache.Fetch(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KID\tTYPE\tALG")
			for _, key := range keys {
				alg := key.Algorithm
				if alg == "" {
					alg = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", key.KeyID, key.KeyType, alg)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "key set location (defaults to the configured one)")
	cmd.Flags().DurationVar(&timeout, "timeout", jwks.DefaultFetchTimeout, "request timeout")
	return cmd
}
