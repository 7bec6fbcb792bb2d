package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeoncorex/streamx"
	"github.com/aeoncorex/streamx/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve [magnet]",
	Short: "Control streams over HTTP and serve them to players",
	Long: `This command starts an HTTP server controlling a streaming engine:

  POST   /api/stream     {"magnet": "...", "saveDir": "..."} starts a stream
  DELETE /api/stream     stops it
  GET    /api/status     current status as JSON
  GET    /api/status/ws  status pushed over a websocket
  GET    /stream         the streamed file, with Range support
  GET    /metrics        Prometheus metrics

When a magnet link is given it is started right away.
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e := streamx.New(cfg)
		defer e.Close()

		if len(args) == 1 {
			if err := e.Start(args[0], ""); err != nil {
				return err
			}
		}

		return httpapi.New(e).ListenAndServe(ctx, viper.GetString("addr"))
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8000", "address to serve HTTP on")
	cobra.CheckErr(viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr")))

	rootCmd.AddCommand(serveCmd)
}
