package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/syncclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <deployment-id>",
		Short: "Follow a deployment live, with collaborator presence",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID := args[0]
			client, err := app.newClient()
			if err != nil {
				return err
			}
			client.Watch(deploymentID)

			watchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			runErr := make(chan error, 1)
			go func() {
				runErr <- client.Run(watchCtx)
			}()

			out := cmd.OutOrStdout()
			snapshots := app.store.WatchDeployment(watchCtx, deploymentID)
			for {
				select {
				case snapshot, ok := <-snapshots:
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "\n--- %s ---\n", time.Now().Format(time.TimeOnly))
					if snapshot.Deployment == nil && len(snapshot.Steps) == 0 {
						fmt.Fprintf(out, "waiting for %s from peers\n", deploymentID)
						continue
					}
					if err := renderSnapshot(out, snapshot, formatText); err != nil {
						return err
					}
				case err := <-runErr:
					if errors.Is(err, syncclient.ErrReconnectExhausted) {
						return fmt.Errorf("relay %s unreachable: %w", app.config.RelayURL, err)
					}
					return err
				case <-client.Refreshes():
					app.logger.Debug("peer change merged", zap.String("deployment_id", deploymentID))
				case <-ctx.Done():
					return nil
				}
			}
		}),
	}
}
