// Command capnweb-server runs the interop RPC server: the canonical test
// target behind WebSocket and HTTP batch endpoints on / and /rpc.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	capnweb "github.com/nikileshsa/capnweb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "capnweb-server",
		Short:         "Cap'n Web RPC interop server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	cmd.Flags().Int("port", 9200, "port to listen on")
	cmd.Flags().String("static", "", "directory of demo pages to serve under /static (optional)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.SetEnvPrefix("CAPNWEB")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("static", cmd.Flags().Lookup("static"))
	_ = viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	return cmd
}

func run() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log_level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	e := capnweb.SetupEchoServer()

	newTarget := func() capnweb.Target { return capnweb.NewTestTarget() }
	capnweb.SetupRpcEndpointWithLogger(e, "/", newTarget, logger)
	capnweb.SetupRpcEndpointWithLogger(e, "/rpc", newTarget, logger)

	if static := viper.GetString("static"); static != "" {
		capnweb.SetupFileEndpoint(e, "/static", static)
	}

	port := viper.GetInt("port")
	logger.Info("listening", "port", port,
		"websocket", fmt.Sprintf("ws://localhost:%d/rpc", port),
		"batch", fmt.Sprintf("http://localhost:%d/", port))
	return e.Start(fmt.Sprintf(":%d", port))
}
