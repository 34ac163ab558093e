package main

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/config"
	"github.com/MarcoPoloResearchLab/deploysync/internal/database"
	"github.com/MarcoPoloResearchLab/deploysync/internal/devices"
	"github.com/MarcoPoloResearchLab/deploysync/internal/logging"
	"github.com/MarcoPoloResearchLab/deploysync/internal/presence"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"github.com/MarcoPoloResearchLab/deploysync/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// publishTimeout bounds how long a command waits for the relay before keeping its change local.
var publishTimeout = 5 * time.Second

var errDeviceNotRegistered = errors.New("device not registered; run `deploysync device register` first")

// application bundles what every command needs: the local store, the device allow-list, and
// the presence identity of this installation.
type application struct {
	config   config.ClientConfig
	logger   *zap.Logger
	store    *store.Store
	devices  *devices.Registry
	identity presence.Identity
	closeDB  func() error
}

type commandFunc func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error

// withApplication opens the local environment around a command.
func withApplication(run commandFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := openApplication(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return run(cmd.Context(), app, cmd, args)
	}
}

// mutating wraps a command that edits checklist data behind the device allow-list.
func mutating(run commandFunc) func(cmd *cobra.Command, args []string) error {
	return withApplication(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
		if err := app.requireDevice(ctx); err != nil {
			return err
		}
		return run(ctx, app, cmd, args)
	})
}

func openApplication(ctx context.Context) (*application, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(clientConfig.DatabasePath, logger)
	if err != nil {
		logger.Warn("local store unavailable; running without persistence", zap.Error(err))
	}

	recordStore := store.New(store.Config{Database: db, Logger: logger})
	app := &application{
		config:  clientConfig,
		logger:  logger,
		store:   recordStore,
		closeDB: func() error { return nil },
	}

	identity, err := presence.LocalIdentity(ctx, recordStore, records.NewUUIDProvider(), clientConfig.UserName)
	if err != nil {
		return nil, err
	}
	app.identity = identity
	if db == nil {
		return app, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closeDB = sqlDB.Close

	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.devices = registry
	return app, nil
}

// Close releases the local database.
func (a *application) Close() {
	if err := a.closeDB(); err != nil {
		a.logger.Warn("local store close failed", zap.Error(err))
	}
	a.logger.Sync() //nolint:errcheck
}

func (a *application) requireDevice(ctx context.Context) error {
	if a.devices == nil {
		return errDeviceNotRegistered
	}
	deviceID, err := devices.LocalDeviceID(ctx, a.store)
	if err != nil {
		return err
	}
	if !a.devices.IsAuthorized(ctx, deviceID) {
		return errDeviceNotRegistered
	}
	if err := a.devices.Touch(ctx, deviceID); err != nil {
		a.logger.Debug("device touch failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	return nil
}

func (a *application) newClient() (*syncclient.Client, error) {
	return syncclient.New(syncclient.Config{
		URL:      a.config.RelayURL,
		Store:    a.store,
		Throttle: a.config.Throttle,
		Identity: &a.identity,
		Logger:   a.logger,
	})
}

// publish connects to the relay long enough to send one change. Local edits are already
// committed, so an unreachable relay only means peers catch up when this device next syncs.
func (a *application) publish(ctx context.Context, push func(ctx context.Context, client *syncclient.Client) error) error {
	client, err := a.newClient()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(runCtx)
	}()

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-client.Connected():
	case err := <-runErr:
		a.logger.Warn("relay unavailable; change kept locally", zap.Error(err))
		return nil
	case <-timer.C:
		a.logger.Warn("relay unavailable; change kept locally", zap.String("relay_url", a.config.RelayURL))
		return nil
	}

	err = push(ctx, client)
	if err == nil {
		err = client.Flush(ctx)
	}
	cancel()
	<-runErr
	if errors.Is(err, syncclient.ErrNotConnected) {
		a.logger.Warn("relay connection dropped; change kept locally")
		return nil
	}
	return err
}
