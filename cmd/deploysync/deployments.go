package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"github.com/MarcoPoloResearchLab/deploysync/internal/syncclient"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func newCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment",
		Args:  cobra.NoArgs,
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			draft, err := deploymentDraft(cmd)
			if err != nil {
				return err
			}
			deployment, err := app.store.CreateDeployment(ctx, draft)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), deployment.ID)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushFull(ctx, deployment.ID)
			})
		}),
	}
	addDeploymentFlags(cmd)
	return cmd
}

func newUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <deployment-id>",
		Short: "Edit a deployment's header",
		Args:  cobra.ExactArgs(1),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			draft, err := deploymentDraft(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			deployment, err := app.store.UpdateDeployment(ctx, args[0], func(deployment *records.Deployment) error {
				if flags.Changed("title") {
					deployment.Title = draft.Title
				}
				if flags.Changed("description") {
					deployment.Description = draft.Description
				}
				if flags.Changed("category") {
					deployment.Category = draft.Category
				}
				if flags.Changed("date") {
					deployment.Date = draft.Date
				}
				return nil
			})
			if err != nil {
				return notFoundMessage(err, "deployment", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated (version %d)\n", deployment.ID, deployment.Version)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushDelta(ctx, deployment.ID, protocol.Payload{Deployment: deployment})
			})
		}),
	}
	addDeploymentFlags(cmd)
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <deployment-id>",
		Short: "Soft-delete a deployment and remove its steps, prerequisites, and notes",
		Args:  cobra.ExactArgs(1),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deployment, err := app.store.SoftDeleteDeployment(ctx, args[0])
			if err != nil {
				return notFoundMessage(err, "deployment", args[0])
			}
			removed, err := app.store.SweepDependents(ctx, deployment.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted (%d dependent records removed)\n", deployment.ID, removed)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				if err := client.PushDelta(ctx, deployment.ID, protocol.Payload{Deployment: deployment}); err != nil {
					return err
				}
				return client.PushFullSync(ctx, deployment.ID)
			})
		}),
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			includeDeleted, _ := cmd.Flags().GetBool("all")
			deployments, err := app.store.ListDeployments(ctx, includeDeleted)
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTITLE\tCATEGORY\tDATE\tVERSION\tSTATUS")
			for _, deployment := range deployments {
				status := "active"
				if deployment.Deleted {
					status = "deleted"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
					deployment.ID,
					deployment.Title,
					deployment.Category,
					deployment.Date.Format(dateLayout),
					deployment.Version,
					status)
			}
			return writer.Flush()
		}),
	}
	cmd.Flags().Bool("all", false, "Include deleted deployments")
	return cmd
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Print a deployment with its steps, prerequisites, notes, and collaborators",
		Args:  cobra.ExactArgs(1),
		RunE: withApplication(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			snapshot, err := app.store.LoadSnapshot(ctx, args[0])
			if err != nil {
				return notFoundMessage(err, "deployment", args[0])
			}
			return renderSnapshot(cmd.OutOrStdout(), snapshot, format)
		}),
	}
	cmd.Flags().String("format", formatText, "Output format (text, yaml, json)")
	return cmd
}

func addDeploymentFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "Deployment title")
	cmd.Flags().String("description", "", "Deployment description")
	cmd.Flags().String("category", "", "Category (Infrastructure, Software, Testing, Monitoring, Security, Backup, Process, Tools)")
	cmd.Flags().String("date", "", "Planned date (YYYY-MM-DD)")
}

func deploymentDraft(cmd *cobra.Command) (records.Deployment, error) {
	flags := cmd.Flags()
	title, _ := flags.GetString("title")
	description, _ := flags.GetString("description")
	rawCategory, _ := flags.GetString("category")
	rawDate, _ := flags.GetString("date")

	draft := records.Deployment{
		Title:       strings.TrimSpace(title),
		Description: description,
	}
	if strings.TrimSpace(rawCategory) != "" {
		category, err := records.ParseCategory(rawCategory)
		if err != nil {
			return records.Deployment{}, err
		}
		draft.Category = category
	}
	if strings.TrimSpace(rawDate) != "" {
		date, err := time.Parse(dateLayout, strings.TrimSpace(rawDate))
		if err != nil {
			return records.Deployment{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", rawDate)
		}
		draft.Date = date
	}
	return draft, nil
}

func notFoundMessage(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return err
}
