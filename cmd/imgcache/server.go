package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasew/imgcache/internal/app"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the image server (proxy, image endpoint, API and metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, cleanup, err := app.NewServer(loadServerConfig("port"))
		if err != nil {
			return err
		}
		defer cleanup()
		return serve(cmd.Context(), server)
	},
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Starts a caching forward proxy for images",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, cleanup, err := app.NewProxyServer(loadServerConfig("proxy-port"))
		if err != nil {
			return err
		}
		defer cleanup()
		return serve(cmd.Context(), server)
	},
}

// serve runs server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "addr", server.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.Bool("preload-on-start", false, "Cache critical images and queue the catalog on startup")
	flags.String("probe-url", "", "URL probed to detect connectivity, none when empty")
	flags.Duration("probe-interval", 30*time.Second, "Interval between connectivity probes")
	flags.String("ca-cert", "", "CA certificate used to intercept HTTPS")
	flags.String("ca-key", "", "CA private key used to intercept HTTPS")
	flags.String("ca-cert-content", "", "CA certificate PEM content")
	flags.String("ca-key-content", "", "CA private key PEM content")
}

func bindServerFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		mustBindPFlag(f.Name, f)
	})
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(proxyCmd)

	serverCmd.Flags().Int("port", 8080, "Port to run the server on")
	addServerFlags(serverCmd.Flags())
	proxyCmd.Flags().Int("proxy-port", 8081, "Port to run the proxy on")
	addServerFlags(proxyCmd.Flags())

	// Both commands share keys, so binding happens once the command is
	// known.
	for _, cmd := range []*cobra.Command{serverCmd, proxyCmd} {
		cmd.PreRun = func(cmd *cobra.Command, args []string) { bindServerFlags(cmd) }
	}
}
