package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tiara/engine/internal/docparse"
	"github.com/tiara/engine/internal/ssldeploy"
)

var tasksJSON bool

var taskDescriptions = map[string]string{
	ssldeploy.TaskName: "Install a TLS certificate, key and chain over SSH and restart the service",
	docparse.TaskName:  "Extract services and global JSON updates from a deployment PDF",
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List registered task types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := newRegistry(
			ssldeploy.NewHandler(ssldeploy.Config{}),
			docparse.NewHandler(nil, zerolog.Nop()),
		)
		names := reg.Names()
		if tasksJSON {
			out, err := json.MarshalIndent(names, "", "  ")
			if err != nil {
				return err
			}
			plain(cmd.OutOrStdout(), "%s", out)
			return nil
		}
		width := 0
		for _, n := range names {
			width = max(width, len(n))
		}
		info(cmd.OutOrStdout(), "%-*s  %s", width, "TASK", "DESCRIPTION")
		plain(cmd.OutOrStdout(), "%s", strings.Repeat("-", width+2+len("DESCRIPTION")))
		for _, n := range names {
			plain(cmd.OutOrStdout(), "%s", fmt.Sprintf("%-*s  %s", width, n, taskDescriptions[n]))
		}
		success(cmd.ErrOrStderr(), "%d task types registered", len(names))
		return nil
	},
}

func init() {
	tasksCmd.Flags().BoolVar(&tasksJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(tasksCmd)
}
