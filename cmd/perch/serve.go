package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perchd/perch/internal/config"
	"github.com/perchd/perch/internal/logger"
	"github.com/perchd/perch/internal/relay"
	"github.com/perchd/perch/internal/session"
)

func serveCmd() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(configFlag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "perch: %v\n", err)
				os.Exit(1)
			}

			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				fmt.Fprintf(os.Stderr, "perch: init logger: %v\n", err)
				os.Exit(1)
			}

			store := openStore(cfg)
			defer store.Close()

			srv := relay.NewServer(store, cfg.SecretBytes(), relay.Options{
				BaseDomain:            cfg.BaseDomain,
				SessionTTL:            cfg.SessionTTL(),
				PageTimeout:           cfg.PageTimeout(),
				AssetTimeout:          cfg.AssetTimeout(),
				BridgeTimeout:         cfg.BridgeTimeout(),
				PendingPerDesktopMax:  cfg.PendingPerDesktopMax,
				TunnelRatePerDesktop:  cfg.TunnelRatePerDesktop,
				TunnelBurstPerDesktop: cfg.TunnelBurstPerDesktop,
			}, logger.Log)

			addr := fmt.Sprintf(":%d", cfg.ListenPort)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				logger.Error("listen failed", "addr", addr, "err", err)
				os.Exit(2)
			}

			httpSrv := &http.Server{
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("relay listening", "addr", addr, "base-domain", cfg.BaseDomain, "store", cfg.StoreBackend)
				if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				srv.Shutdown()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "path to config file")

	return cmd
}

// openStore builds the configured session store. A remote KV backend that
// cannot be reached at startup degrades to the in-process store for the
// lifetime of the process; it never switches back.
func openStore(cfg config.Config) session.Store {
	if cfg.StoreBackend != config.BackendRemoteKV {
		return session.NewMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := session.NewRedis(ctx, cfg.StoreConnection)
	if err != nil {
		logger.Warn("remote session store unreachable, falling back to in-process store",
			"connection", cfg.StoreConnection, "err", err)
		return session.NewMemory()
	}
	return store
}
