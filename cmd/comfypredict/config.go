package main

import (
	"github.com/richinsley/comfypredict/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		Long: `config prints the configuration after defaults, the config file,
COMFYPREDICT_* environment variables and flags were applied. Storage
credentials are redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(redact(*a.cfg)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func redact(cfg config.Config) config.Config {
	if cfg.Storage.AccessKey != "" {
		cfg.Storage.AccessKey = redacted
	}
	if cfg.Storage.SecretKey != "" {
		cfg.Storage.SecretKey = redacted
	}
	return cfg
}
