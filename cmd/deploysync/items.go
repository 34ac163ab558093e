package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/syncclient"
	"github.com/spf13/cobra"
)

func newStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Manage execution steps",
	}
	cmd.AddCommand(
		newItemAddCommand(records.CollectionSteps),
		newItemEditCommand(records.CollectionSteps),
		newItemDoneCommand(records.CollectionSteps),
		newItemRemoveCommand(records.CollectionSteps),
	)
	return cmd
}

func newPrerequisiteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prereq",
		Aliases: []string{"prerequisite"},
		Short:   "Manage prerequisites",
	}
	cmd.AddCommand(
		newItemAddCommand(records.CollectionPrerequisites),
		newItemEditCommand(records.CollectionPrerequisites),
		newItemDoneCommand(records.CollectionPrerequisites),
		newItemRemoveCommand(records.CollectionPrerequisites),
	)
	return cmd
}

func newNoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Manage deployment notes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <deployment-id> <text>",
		Short: "Attach a note to a deployment",
		Args:  cobra.MinimumNArgs(2),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID := args[0]
			if err := requireDeployment(ctx, app, deploymentID); err != nil {
				return err
			}
			note := &records.Note{
				DeploymentID: deploymentID,
				Information:  strings.Join(args[1:], " "),
			}
			id, err := app.store.Put(ctx, note)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushDelta(ctx, deploymentID, changedItem(note))
			})
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "edit <deployment-id> <note-id> <text>",
		Short: "Replace a note's text",
		Args:  cobra.MinimumNArgs(3),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID, noteID := args[0], args[1]
			information := strings.Join(args[2:], " ")
			updated, err := app.store.UpdateItem(ctx, records.CollectionInfo, deploymentID, noteID, func(record records.Record) error {
				record.(*records.Note).Information = information
				return nil
			})
			if err != nil {
				return notFoundMessage(err, "note", noteID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", noteID)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushDelta(ctx, deploymentID, changedItem(updated))
			})
		}),
	})
	cmd.AddCommand(newItemRemoveCommand(records.CollectionInfo))
	return cmd
}

func newItemAddCommand(collection records.Collection) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <deployment-id>",
		Short: "Append an item to a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID := args[0]
			if err := requireDeployment(ctx, app, deploymentID); err != nil {
				return err
			}
			fields, err := itemFields(cmd)
			if err != nil {
				return err
			}
			number, err := app.store.NextNumber(ctx, collection, deploymentID)
			if err != nil {
				return err
			}

			var record records.Record
			switch collection {
			case records.CollectionSteps:
				step := &records.Step{
					DeploymentID: deploymentID,
					Type:         fields.stepType,
					Name:         fields.name,
					Action:       fields.action,
					Command:      fields.command,
					Actor:        fields.actor,
					Number:       number,
				}
				record = step
			default:
				prerequisite := &records.Prerequisite{
					DeploymentID: deploymentID,
					Type:         fields.stepType,
					Name:         fields.name,
					Action:       fields.action,
					Command:      fields.command,
					Actor:        fields.actor,
					Number:       number,
				}
				record = prerequisite
			}

			id, err := app.store.Put(ctx, record)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (#%d)\n", id, number)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushDelta(ctx, deploymentID, changedItem(record))
			})
		}),
	}
	addItemFlags(cmd)
	return cmd
}

func addItemFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", string(records.StepTypeScripting), "Action type (database, scripting, api, files, mail, backup, monitor, configure, rollback, service, network)")
	cmd.Flags().String("name", "", "Item name")
	cmd.Flags().String("action", "", "What to do")
	cmd.Flags().String("command", "", "Command to run")
	cmd.Flags().String("actor", "", "Who performs the item")
}

// newItemEditCommand changes only the fields whose flags were given.
func newItemEditCommand(collection records.Collection) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <deployment-id> <item-id>",
		Short: "Change an item's fields",
		Args:  cobra.ExactArgs(2),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID, itemID := args[0], args[1]
			fields, err := itemFields(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			number, _ := flags.GetInt("number")
			if flags.Changed("number") && number < 1 {
				return fmt.Errorf("--number must be at least 1, got %d", number)
			}

			updated, err := app.store.UpdateItem(ctx, collection, deploymentID, itemID, func(record records.Record) error {
				switch item := record.(type) {
				case *records.Step:
					fields.applyTo(flags.Changed, &item.Type, &item.Name, &item.Action, &item.Command, &item.Actor)
					if flags.Changed("number") {
						item.Number = number
					}
				case *records.Prerequisite:
					fields.applyTo(flags.Changed, &item.Type, &item.Name, &item.Action, &item.Command, &item.Actor)
					if flags.Changed("number") {
						item.Number = number
					}
				}
				return nil
			})
			if err != nil {
				return notFoundMessage(err, string(collection), itemID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", itemID)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushDelta(ctx, deploymentID, changedItem(updated))
			})
		}),
	}
	addItemFlags(cmd)
	cmd.Flags().Int("number", 0, "Position in the checklist")
	return cmd
}

func newItemDoneCommand(collection records.Collection) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <deployment-id> <item-id>",
		Short: "Mark an item done",
		Args:  cobra.ExactArgs(2),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID, itemID := args[0], args[1]
			undo, _ := cmd.Flags().GetBool("undo")
			updated, err := app.store.SetItemDone(ctx, collection, deploymentID, itemID, !undo)
			if err != nil {
				return notFoundMessage(err, string(collection), itemID)
			}
			state := "done"
			if undo {
				state = "reopened"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", itemID, state)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushDelta(ctx, deploymentID, changedItem(updated))
			})
		}),
	}
	cmd.Flags().Bool("undo", false, "Mark the item not done")
	return cmd
}

// newItemRemoveCommand deletes an item. Deltas only carry upserts, so peers learn about the
// removal from a full sync.
func newItemRemoveCommand(collection records.Collection) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <deployment-id> <item-id>",
		Short: "Delete an item from a deployment",
		Args:  cobra.ExactArgs(2),
		RunE: mutating(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			deploymentID, itemID := args[0], args[1]
			if err := requireDeployment(ctx, app, deploymentID); err != nil {
				return err
			}
			if err := app.store.DeleteItem(ctx, collection, deploymentID, itemID); err != nil {
				return notFoundMessage(err, string(collection), itemID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", itemID)
			return app.publish(ctx, func(ctx context.Context, client *syncclient.Client) error {
				return client.PushFullSync(ctx, deploymentID)
			})
		}),
	}
}

type itemInput struct {
	stepType records.StepType
	name     string
	action   string
	command  string
	actor    string
}

func itemFields(cmd *cobra.Command) (itemInput, error) {
	flags := cmd.Flags()
	rawType, _ := flags.GetString("type")
	stepType, err := records.ParseStepType(rawType)
	if err != nil {
		return itemInput{}, err
	}
	name, _ := flags.GetString("name")
	action, _ := flags.GetString("action")
	command, _ := flags.GetString("command")
	actor, _ := flags.GetString("actor")
	return itemInput{
		stepType: stepType,
		name:     strings.TrimSpace(name),
		action:   action,
		command:  command,
		actor:    strings.TrimSpace(actor),
	}, nil
}

func (in itemInput) applyTo(changed func(string) bool, stepType *records.StepType, name, action, command, actor *string) {
	if changed("type") {
		*stepType = in.stepType
	}
	if changed("name") {
		*name = in.name
	}
	if changed("action") {
		*action = in.action
	}
	if changed("command") {
		*command = in.command
	}
	if changed("actor") {
		*actor = in.actor
	}
}

func changedItem(record records.Record) protocol.Payload {
	switch item := record.(type) {
	case *records.Step:
		return protocol.Payload{Steps: []records.Step{*item}}
	case *records.Prerequisite:
		return protocol.Payload{Prerequisites: []records.Prerequisite{*item}}
	case *records.Note:
		return protocol.Payload{Info: []records.Note{*item}}
	default:
		return protocol.Payload{}
	}
}

func requireDeployment(ctx context.Context, app *application, deploymentID string) error {
	record, err := app.store.Get(ctx, records.CollectionDeployments, deploymentID)
	if err != nil {
		return notFoundMessage(err, "deployment", deploymentID)
	}
	if record.(*records.Deployment).Deleted {
		return fmt.Errorf("deployment %s is deleted", deploymentID)
	}
	return nil
}
