package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/expsys/exprun/internal/files"
	"github.com/expsys/exprun/master"
	"github.com/expsys/exprun/sched"
	"github.com/expsys/exprun/spawn"
	"github.com/expsys/exprun/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "exprun-master",
		Usage: "the master daemon scheduling runs on worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on, overriding the config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overriding the config file. One of [debug,info,warn,error].",
			},
		},
		Action: runMaster,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runMaster(c *cli.Context) error {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = loadConfig(path)
		if err != nil {
			return err
		}
	}
	if addr := c.String("listen-addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	command := cfg.Worker.Command
	if command == defaultWorkerCommand {
		// fall back to a sibling build of the worker when it is not on PATH
		if p := files.FindWorkerBin(); p != "" {
			command = p
		}
	}

	var spawner spawn.Spawner
	switch cfg.Worker.Spawner {
	case "docker":
		docker, err := spawn.NewDocker()
		if err != nil {
			return fmt.Errorf("building Docker spawner: %w", err)
		}
		spawner = docker.WithImage(cfg.Worker.DockerImage).WithLogger(logger.Sugar())
	default:
		spawner = (&spawn.Local{}).WithLogger(logger.Sugar())
	}

	var history sched.History
	if cfg.History.Path != "" {
		sqlite, err := sched.NewSQLiteHistory(cfg.History.Path, cfg.History.Keep)
		if err != nil {
			return fmt.Errorf("opening run history: %w", err)
		}
		defer sqlite.Close()
		history = sqlite
	} else {
		history = sched.NewMemoryHistory(cfg.History.Keep)
	}

	params := master.NewParamStore(nil)
	handlers := params.Handlers()
	runLog := logger.Named("run").Sugar()
	handlers["log"] = func(args map[string]any) (any, error) {
		msg, _ := args["message"].(string)
		runLog.Infow("worker message", "message", msg)
		return nil, nil
	}

	runner := &sched.WorkerRunner{
		Log: logger.Sugar(),
		Request: spawn.Request{
			Command: command,
			Args:    cfg.Worker.Args,
			Stderr:  os.Stderr,
		},
		Spawner:       spawner,
		Handlers:      handlers,
		ResultTimeout: cfg.Worker.ResultTimeout,
		Options: []worker.Option{
			worker.WithSendTimeout(cfg.Worker.SendTimeout),
			worker.WithStartReplyTimeout(cfg.Worker.StartReplyTimeout),
			worker.WithTermTimeout(cfg.Worker.TermTimeout),
		},
	}

	scheduler := sched.New(runner, sched.WithLogger(logger), sched.WithHistory(history))

	opts := []master.Option{
		master.WithLogger(logger),
		master.WithListenAddr(cfg.ListenAddr),
		master.WithHistory(history),
	}
	if cfg.TLSCertFile != "" {
		opts = append(opts, master.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	}
	server, err := master.NewServer(scheduler, opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Sugar().Infow("master starting",
		"listen_addr", cfg.ListenAddr,
		"worker_command", command,
		"spawner", cfg.Worker.Spawner,
		"history_path", cfg.History.Path)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := scheduler.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(server.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		return server.Stop()
	})
	return group.Wait()
}
