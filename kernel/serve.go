package kernel

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/guseggert/databench/bus"
	"github.com/guseggert/databench/internal/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// ServeConfig says where a kernel finds the bus.
type ServeConfig struct {
	// AnalysisID is generated when empty.
	AnalysisID   string
	SubscribeURL string
	PublishURL   string
	Log          *zap.SugaredLogger

	ClientOptions []bus.ClientOption
}

// Serve connects one instance of kind to the bus and runs it until it is disconnected or ctx is done.
func Serve(ctx context.Context, kind *Kind, cfg ServeConfig) error {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.AnalysisID == "" {
		cfg.AnalysisID = uuid.NewString()
		cfg.Log.Debugw("generated analysis id", "AnalysisID", cfg.AnalysisID)
	}

	client := bus.NewClient(cfg.Log, cfg.ClientOptions...)
	sub, err := client.Subscribe(ctx, cfg.SubscribeURL, cfg.AnalysisID)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer sub.Close()

	pub, err := client.DialPublisher(ctx, cfg.PublishURL)
	if err != nil {
		return fmt.Errorf("dialing publisher: %w", err)
	}
	defer pub.Close()

	rt := NewRuntime(kind, cfg.AnalysisID, sub, pub, WithLogger(cfg.Log))
	return rt.Run(ctx)
}

// NewApp builds the command line of a standalone kernel process for kind.
func NewApp(kind *Kind) *cli.App {
	return &cli.App{
		Name:  kind.Name(),
		Usage: fmt.Sprintf("the %s analysis kernel", kind.Name()),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "analysis-id",
				Usage: "The id of the analysis instance. Generated if absent.",
			},
			&cli.StringFlag{
				Name:     "subscribe",
				Usage:    "The downstream bus URL to subscribe to.",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "publish",
				Usage:    "The upstream bus URL to publish to.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "log-dev",
				Usage: "Log in a human-readable format.",
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := logging.New(logging.Config{
				Level:       cctx.String("log-level"),
				Development: cctx.Bool("log-dev"),
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return Serve(ctx, kind, ServeConfig{
				AnalysisID:   cctx.String("analysis-id"),
				SubscribeURL: cctx.String("subscribe"),
				PublishURL:   cctx.String("publish"),
				Log:          logger.Sugar(),
			})
		},
	}
}

// Main runs the kernel command line for kind and exits on failure.
func Main(kind *Kind) {
	if err := NewApp(kind).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
