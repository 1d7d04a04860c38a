package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/expsys/exprun/harness"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "exprun-worker",
		Usage: "runs experiment steps under an exprun master",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: runWorker,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runWorker(c *cli.Context) error {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", c.String("log-level"), err)
	}
	// stdout carries the protocol, so logs must go to stderr only
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stderr"}
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	h := harness.New(os.Stdin, os.Stdout, harness.WithLogger(logger))
	return h.Serve(context.Background(), harness.RunnerFunc(func(ctx context.Context, params map[string]any, cl *harness.Client) error {
		return runSteps(ctx, params, cl, logger.Sugar())
	}))
}
