// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command nfregex drops or terminates traffic of configured services whose
// payload matches regex filters.
//
// Usage:
//
//	nfregex [-c config] [run|check|cleanup]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grimm.is/nfregex/internal/config"
	"grimm.is/nfregex/internal/firewall"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/metrics"
	"grimm.is/nfregex/internal/service"
)

const (
	defaultConfigPath = "/etc/nfregex/nfregex.hcl"
	stopTimeout       = 10 * time.Second
)

type options struct {
	configPath  string
	lockThreads bool
	command     string
}

func parseFlags(args []string) (options, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("nfregex", flag.ContinueOnError)
	opts := options{command: "run"}
	fs.StringVar(&opts.configPath, "c", defaultConfigPath, "Path to configuration file (.hcl, .json or .yaml)")
	// each endpoint owns a scratch workspace that must stay on one thread
	fs.BoolVar(&opts.lockThreads, "lock-threads", true, "Pin each queue loop to its own OS thread")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: nfregex [flags] [run|check|cleanup]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, fs, err
	}
	if fs.NArg() > 0 {
		opts.command = fs.Arg(0)
	}
	return opts, fs, nil
}

func main() {
	opts, fs, err := parseFlags(os.Args[1:])
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	switch opts.command {
	case "run":
		err = run(opts.configPath, opts.lockThreads)
	case "check":
		err = check(opts.configPath)
	case "cleanup":
		err = cleanup()
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nfregex %s: %v\n", opts.command, err)
		os.Exit(1)
	}
}

func check(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	active := 0
	for _, s := range cfg.Services {
		if s.IsActive() {
			active++
		}
	}
	fmt.Printf("%s: OK (%d services, %d active)\n", path, len(cfg.Services), active)
	return nil
}

func cleanup() error {
	fw, err := firewall.NewManager(logging.Default())
	if err != nil {
		return err
	}
	return fw.Cleanup()
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	lc := logging.Config{
		Output: os.Stderr,
		Level:  level,
		JSON:   cfg.LogJSON,
	}
	if cfg.Syslog != nil {
		lc.Syslog = *cfg.Syslog
	}
	return logging.New(lc), nil
}

func run(path string, lockThreads bool) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	fw, err := firewall.NewManager(logger)
	if err != nil {
		return err
	}
	m := metrics.NewMetrics()
	mgr, err := service.NewManager(cfg, service.Options{
		Rules:        fw,
		Metrics:      m,
		Logger:       logger,
		LockOSThread: lockThreads,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := m.Register(reg); err != nil {
			return err
		}
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger)
		srv.Start()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		go metrics.NewCollector(m, fw, logger, 0).Run(ctx)
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	logger.Info("nfregex running", "config", path, "instance", mgr.Instance())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			break loop
		case <-hup:
			reload(mgr, path, logger)
		case err := <-mgr.Failures():
			runErr = err
			break loop
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	if err := mgr.Stop(sctx); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func reload(mgr *service.Manager, path string, logger *logging.Logger) {
	logger.Info("reloading configuration", "config", path)
	cfg, err := config.LoadFile(path)
	if err != nil {
		logger.WithError(err).Error("reload rejected, keeping current configuration")
		return
	}
	restarted, err := mgr.Reload(cfg)
	if err != nil {
		logger.WithError(err).Error("reload failed")
		return
	}
	logger.Info("configuration reloaded", "restarted", restarted)
}
