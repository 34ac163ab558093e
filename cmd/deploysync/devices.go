package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/devices"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/spf13/cobra"
)

var errLocalStoreUnavailable = errors.New("local store unavailable")

func newDeviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage this installation's editing permission",
	}

	register := &cobra.Command{
		Use:   "register",
		Short: "Add this installation to the device allow-list",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			if app.devices == nil {
				return errLocalStoreUnavailable
			}
			deviceID, err := devices.LocalDeviceID(ctx, app.store)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name, _ = os.Hostname()
			}
			ip, _ := cmd.Flags().GetString("ip")
			device, err := app.devices.Register(ctx, records.Device{ID: deviceID, Name: name, IP: ip})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s registered as %q\n", device.ID, device.Name)
			return nil
		}),
	}
	register.Flags().String("name", "", "Device name (defaults to the host name)")
	register.Flags().String("ip", "", "Device address to record")

	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether this installation may edit",
		Args:  cobra.NoArgs,
		RunE: withApplication(func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			if app.devices == nil {
				return errLocalStoreUnavailable
			}
			deviceID, err := devices.LocalDeviceID(ctx, app.store)
			if err != nil {
				return err
			}
			device, err := app.devices.Lookup(ctx, deviceID)
			if errors.Is(err, devices.ErrNotRegistered) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not registered\n", deviceID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: registered as %q, last seen %s\n",
				device.ID, device.Name, device.LastSeen.Format(time.RFC3339))
			return nil
		}),
	}

	cmd.AddCommand(register, status)
	return cmd
}
