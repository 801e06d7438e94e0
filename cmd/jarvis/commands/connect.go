package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/najoast/jarvis/bootstrap"
)

var connectCmd = &cobra.Command{
	Use:   "connect [host] [port]",
	Short: "connects to a jarvis server",
	Long:  `connect dials a jarvis server and transmits every line read from stdin as one message. Messages from the server are dispatched on the bus and rendered by the console. The command ends when stdin is closed.`,
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig()
		if err != nil {
			return err
		}

		host, port := cfg.Client.Address, cfg.Client.Port
		if len(args) > 0 {
			host = args[0]
		}
		if len(args) > 1 {
			if port, err = strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}

		app, err := newApp(cfg, loader, cmd.OutOrStdout(), bootstrap.RoleClient)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := app.Start(ctx); err != nil {
			return err
		}

		client := app.Client()
		if err := client.Connect(ctx, host, port); err != nil {
			app.Shutdown(context.WithoutCancel(ctx))
			return err
		}

		go func() {
			defer cancel()
			err := forEachLine(cmd.InOrStdin(), client.Transmit)
			if err != nil {
				app.Logger().Warn("stdin closed", "error", err)
			}
		}()

		return app.Wait(ctx)
	},
}
