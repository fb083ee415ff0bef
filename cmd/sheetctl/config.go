package main

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/fieldsync/internal/config"
)

func configCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		Long: `Print the configuration after defaults, config file, .env and
environment overrides have been applied. Secrets are masked unless
--show-secrets is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved := *cfg
			if !showSecrets {
				resolved = maskSecrets(resolved)
			}

			out, err := yaml.Marshal(resolved)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secrets in clear text")
	return cmd
}

func maskSecrets(c config.Config) config.Config {
	c.Server.Secret = mask(c.Server.Secret)
	c.Source.Sheets.AccessToken = mask(c.Source.Sheets.AccessToken)
	c.Source.Sheets.Credentials = mask(c.Source.Sheets.Credentials)
	c.Notify.Token = mask(c.Notify.Token)

	keys := make([]string, len(c.Server.APIKeys))
	for i, k := range c.Server.APIKeys {
		keys[i] = mask(k)
	}
	c.Server.APIKeys = keys
	return c
}

// mask shows only the first 4 characters.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:4] + "****"
	}
}
