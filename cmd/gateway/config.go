package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Shin0205go/mycelium-sub002/internal/config"
)

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate gateway configuration files",
	}
	cmd.AddCommand(buildConfigSchemaCmd())
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

var configSchemaFuncs = map[string]func() ([]byte, error){
	"skills":    config.SkillManifestJSONSchema,
	"identity":  config.IdentityConfigJSONSchema,
	"upstreams": config.UpstreamTableJSONSchema,
	"quotas":    config.QuotaTableJSONSchema,
}

func buildConfigSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "schema [skills|identity|upstreams|quotas]",
		Short:     "Print the JSON Schema for a configuration file kind",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"skills", "identity", "upstreams", "quotas"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, ok := configSchemaFuncs[args[0]]
			if !ok {
				return fmt.Errorf("unknown config kind %q", args[0])
			}
			schema, err := fn()
			if err != nil {
				return fmt.Errorf("reflect schema: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	}
	return cmd
}

var configValidateFuncs = map[string]func(string) error{
	"skills": func(path string) error {
		_, err := config.LoadSkillManifest(path)
		return err
	},
	"identity": func(path string) error {
		_, err := config.LoadIdentityConfig(path)
		return err
	},
	"upstreams": func(path string) error {
		_, err := config.LoadUpstreamTable(path)
		return err
	},
	"quotas": func(path string) error {
		_, err := config.LoadQuotaTable(path)
		return err
	},
}

func buildConfigValidateCmd() *cobra.Command {
	var skillsPath, identityPath, upstreamsPath, quotasPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files against their loader and JSON Schema shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := map[string]string{
				"skills":    skillsPath,
				"identity":  identityPath,
				"upstreams": upstreamsPath,
				"quotas":    quotasPath,
			}
			validated := 0
			for kind, path := range checks {
				if path == "" {
					continue
				}
				if err := configValidateFuncs[kind](path); err != nil {
					return fmt.Errorf("%s config %s: %w", kind, path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", kind, path)
				validated++
			}
			if validated == 0 {
				return fmt.Errorf("no config paths given; pass at least one of --skills, --identity, --upstreams, --quotas")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&skillsPath, "skills", "", "path to a skill manifest to validate")
	flags.StringVar(&identityPath, "identity", "", "path to an identity config to validate")
	flags.StringVar(&upstreamsPath, "upstreams", "", "path to an upstream table to validate")
	flags.StringVar(&quotasPath, "quotas", "", "path to a quota table to validate")
	return cmd
}
