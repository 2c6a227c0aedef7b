// Package config provides commands to inspect and write the configuration.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
)

const redacted = "[REDACTED]"

// Command creates the config command and its subcommands.
func Command(loader *app.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or save the effective configuration",
	}
	cmd.AddCommand(showCommand(loader), saveCommand(loader))
	return cmd
}

func showCommand(loader *app.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := conf.Load(loader.ConfigFile)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(Redact(settings))
			if err != nil {
				return fmt.Errorf("error marshaling settings: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func saveCommand(loader *app.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "save <path>",
		Short: "Write the effective configuration, including environment overrides, to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := conf.Load(loader.ConfigFile)
			if err != nil {
				return err
			}
			if err := conf.SaveYAMLConfig(args[0], settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", args[0])
			return nil
		},
	}
}

// Redact returns a copy of settings with credentials masked.
func Redact(settings *conf.Settings) *conf.Settings {
	c := *settings
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.SentinelHub.ClientSecret)
	mask(&c.Output.MySQL.Password)
	mask(&c.Output.Postgres.Password)
	mask(&c.Sentry.DSN)
	if len(c.Notification.URLs) > 0 {
		urls := make([]string, len(c.Notification.URLs))
		for i := range urls {
			urls[i] = redacted
		}
		c.Notification.URLs = urls
	}
	return &c
}
