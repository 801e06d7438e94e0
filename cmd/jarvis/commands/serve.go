package commands

import (
	"github.com/spf13/cobra"

	"github.com/najoast/jarvis/bootstrap"
)

var (
	serveAddress string
	servePort    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "starts the bus, the console and the TCP server",
	Long:  `serve starts a TCP server on the module bus. Lines read from peers are dispatched to the console; lines typed on stdin are sent to the server as commands, e.g. 'Broadcast hello' or 'Kick 3'.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("address") {
			cfg.Server.Address = serveAddress
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		cfg.Server.Enabled = true

		app, err := newApp(cfg, loader, cmd.OutOrStdout(), bootstrap.RoleServer)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := app.Start(ctx); err != nil {
			return err
		}

		server := app.Server()
		go func() {
			err := forEachLine(cmd.InOrStdin(), func(line string) error {
				return app.Execute(line, server.ID())
			})
			if err != nil {
				app.Logger().Warn("stdin closed", "error", err)
			}
		}()

		return app.Wait(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "127.0.0.1", "listening address")
	serveCmd.Flags().IntVar(&servePort, "port", 4500, "listening port")
}
