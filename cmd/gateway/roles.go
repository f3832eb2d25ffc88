package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Shin0205go/mycelium-sub002/internal/config"
	"github.com/Shin0205go/mycelium-sub002/internal/role"
)

func buildRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the role catalogue derived from a skill manifest",
	}
	cmd.AddCommand(buildRolesListCmd())
	return cmd
}

func buildRolesListCmd() *cobra.Command {
	var skillsPath string
	var includeInactive bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the roles derived from the skill manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := config.LoadSkillManifest(skillsPath)
			if err != nil {
				return fmt.Errorf("load skills: %w", err)
			}
			manager := role.NewManager()
			if err := manager.LoadFromSkillManifest(manifest); err != nil {
				return fmt.Errorf("derive roles: %w", err)
			}
			summaries := manager.ListRoles(role.ListRolesOptions{IncludeInactive: includeInactive}, "")
			sort.Slice(summaries, func(i, j int) bool { return summaries[i].Role.Id < summaries[j].Role.Id })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tSERVERS\tSKILLS")
			for _, s := range summaries {
				servers := "*"
				if !s.Role.AllowsAllServers() {
					servers = strings.Join(s.Role.AllowedServers, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Role.Id, servers, strings.Join(s.Role.Metadata.Skills, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&skillsPath, "skills", "skills.yaml", "path to the skill manifest")
	cmd.Flags().BoolVar(&includeInactive, "include-inactive", false, "include roles marked inactive")
	return cmd
}
