package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRestitchCommand(ctx *commandContext) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "restitch",
		Short: "Rebuild a stored run's post from its saved outline and sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--run is required")
			}
			a, err := ctx.buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			env, err := a.service.Restitch(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %s  (%s)\n", env.Date, env.Status, env.Artifact.Title, env.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID to rebuild")
	return cmd
}
