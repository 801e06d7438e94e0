package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/najoast/jarvis/bootstrap"
	"github.com/najoast/jarvis/config"
)

// Version and BuildTime are set by main
var (
	Version   = "N/A"
	BuildTime = "N/A"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "jarvis",
	Short:         "jarvis bridges a module bus to TCP peers",
	Long:          `jarvis runs an in-process module bus with a console and TCP transports. Peers exchange text messages ending with a terminating phrase; every message is a command line dispatched on the bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, connectCmd, configCmd, versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration selected by the persistent flags.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = config.LogLevelDebug
	}
	return cfg, loader, nil
}

// newApp builds an application for the given roles. The config file, when
// set, is watched for changes.
func newApp(cfg *config.Config, loader *config.Loader, out io.Writer, roles bootstrap.Role) (*bootstrap.Application, error) {
	opts := []bootstrap.Option{
		bootstrap.WithConfig(cfg),
		bootstrap.WithLoader(loader),
		bootstrap.WithOutput(out),
		bootstrap.WithRoles(roles),
	}
	if cfgFile != "" {
		opts = append(opts, bootstrap.WithConfigFile(cfgFile))
	}
	return bootstrap.New(opts...)
}

// forEachLine calls fn for every line of r until r ends or fn fails.
func forEachLine(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
