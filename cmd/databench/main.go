package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/databench/broker"
	"github.com/guseggert/databench/examples/slowpi"
	"github.com/guseggert/databench/internal/config"
	"github.com/guseggert/databench/internal/logging"
	internalnet "github.com/guseggert/databench/internal/net"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "databench",
		Usage: "serves analyses to browser sessions, one kernel per session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "The address for the browser-facing HTTP server to listen on.",
				Value: cfg.HTTPAddr,
			},
			&cli.StringFlag{
				Name:  "bus-addr",
				Usage: "The address for the kernel bus to listen on. Port 0 picks a free port.",
				Value: cfg.BusAddr,
			},
			&cli.StringSliceFlag{
				Name:  "analyses-dir",
				Usage: "Directories to discover analyses in. Later directories are fallbacks.",
				Value: cli.NewStringSlice(cfg.AnalysesDirs...),
			},
			&cli.DurationFlag{
				Name:  "ready-timeout",
				Usage: "How long a kernel may take to start.",
				Value: cfg.ReadyTimeout,
			},
			&cli.DurationFlag{
				Name:  "detach-timeout",
				Usage: "How long a kernel may take to exit after a session ends.",
				Value: cfg.DetachTimeout,
			},
			&cli.DurationFlag{
				Name:  "action-timeout",
				Usage: "How long an action may run before it is ended with an error. 0 disables it.",
				Value: cfg.ActionTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: cfg.LogLevel,
			},
			&cli.BoolFlag{
				Name:  "log-dev",
				Usage: "Log in a human-readable format.",
				Value: cfg.LogDev,
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := logging.New(logging.Config{
				Level:       cctx.String("log-level"),
				Development: cctx.Bool("log-dev"),
			})
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			analyses, err := broker.Discover(cctx.StringSlice("analyses-dir"))
			if err != nil {
				return fmt.Errorf("discovering analyses: %w", err)
			}
			for _, a := range analyses {
				log.Infow("found analysis", "Name", a.Name, "Dir", a.Dir, "Command", a.Command)
			}

			busListener, err := internalnet.Listen(cctx.String("bus-addr"))
			if err != nil {
				return fmt.Errorf("binding bus: %w", err)
			}
			httpListener, err := internalnet.Listen(cctx.String("http-addr"))
			if err != nil {
				busListener.Close()
				return fmt.Errorf("binding HTTP server: %w", err)
			}

			b := broker.New(busListener,
				broker.WithLogger(log),
				broker.WithAnalyses(analyses...),
				broker.WithNativeKind(slowpi.NewKind(slowpi.DefaultConfig())),
				broker.WithReadyTimeout(cctx.Duration("ready-timeout")),
				broker.WithDetachTimeout(cctx.Duration("detach-timeout")),
				broker.WithActionTimeout(cctx.Duration("action-timeout")),
			)
			srv := &http.Server{Handler: broker.NewFrontend(log, b)}

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return b.Run(ctx)
			})
			group.Go(func() error {
				log.Infow("serving browser sessions", "URL", internalnet.URL("http", httpListener, "/analyses"))
				err := srv.Serve(httpListener)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			group.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return group.Wait()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
