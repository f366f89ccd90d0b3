//go:build linux

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bluetooth-audio/internal/a2dp"
	"bluetooth-audio/internal/avrc"
	"bluetooth-audio/internal/connmgr"
	"bluetooth-audio/internal/connq"
	"bluetooth-audio/internal/metrics"
)

var (
	connectAddr string
	interactive bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register the media endpoint and manage the audio connection",
	Long: `Register a media endpoint with BlueZ and run the connection state
machine until interrupted. Connection and audio state changes are printed as
they happen.

With --interactive, commands are read from stdin (type "help").`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&connectAddr, "connect", "", "peer address to connect to after start")
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read commands from stdin")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	role, err := cfg.LocalRole()
	if err != nil {
		return err
	}
	delay, err := cfg.ReconnectDelay()
	if err != nil {
		return err
	}
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	out := cmd.OutOrStdout()

	// The transport and the serializer post into the service, which needs
	// both of them to exist first.
	var svc *a2dp.Service
	post := func(ev a2dp.Event) error { return svc.Post(ev) }

	mgr := connmgr.New(connmgr.Options{
		Adapter: cfg.Adapter,
		Role:    role,
		Codec:   codec,
		Logger:  logger.With("component", "connmgr"),
	}, post)
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("close connmgr", "error", err)
		}
	}()

	queue := connq.New(func(req a2dp.ConnectRequest) {
		if err := post(a2dp.ConnectReq{Peer: req.Peer, Service: req.Service}); err != nil {
			logger.Warn("connect request dropped", "peer", req.Peer, "error", err)
		}
	}, logger.With("component", "connq"))

	rc := avrc.New(func(peer a2dp.Address, c a2dp.RemoteCmdInd) {
		fmt.Fprintf(out, "remote %s from %s\n", c.Op, peer)
	}, logger.With("component", "avrc"))

	svc = a2dp.NewService(a2dp.Deps{
		Transport:      mgr.Transport(),
		Media:          loggingMedia{logger: logger.With("component", "media")},
		RemoteControl:  rc,
		Queue:          queue,
		Callback:       func(n a2dp.Notification) { fmt.Fprintln(out, formatNotification(n)) },
		Observer:       metrics.Observer{},
		ReconnectDelay: delay,
		Logger:         logger.With("component", "a2dp"),
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = svc.Shutdown()
		queue.Clear()
	}()
	metrics.SetState(a2dp.StateIdle)

	if err := mgr.Register(ctx); err != nil {
		return err
	}

	if connectAddr != "" {
		peer, err := a2dp.ParseAddress(connectAddr)
		if err != nil {
			return err
		}
		if err := svc.Connect(peer, role); err != nil {
			return fmt.Errorf("connect %s: %w", peer, err)
		}
	}

	if interactive {
		// Not part of the group: a blocked stdin read cannot be cancelled.
		c := &console{ctl: svc, role: role, queue: queue, rc: rc, out: out}
		go c.run(os.Stdin)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "status", formatStatus(svc.Status()))
		return nil
	})
	return g.Wait()
}
