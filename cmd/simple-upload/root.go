package main

import (
	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/pkg/simpleupload/config"
)

// global flags
type rootOptions struct {
	envFile    string
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "simple-upload",
		Short: "Authenticated multipart photo upload service",
		Long: `simple-upload accepts photo uploads from callers holding a bearer token
issued by the configured identity provider. Files are checked against an
allow-list and size limits, then written to the filesystem or S3.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file (environment variables override it)")

	cmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newJWKSCmd(opts),
		newEnvCmd(),
	)
	return cmd
}

// loadConfig layers .env, the optional config file, the environment and
// finally extra, which carries command-line overrides.
func (o *rootOptions) loadConfig(extra ...config.Option) (*config.ServerConfig, error) {
	opts := []config.Option{config.WithDotEnv(o.envFile)}
	if o.configFile != "" {
		opts = append(opts, config.WithConfigFile(o.configFile))
	} else {
		opts = append(opts, config.WithEnv())
	}
	opts = append(opts, extra...)
	return config.Load(opts...)
}
