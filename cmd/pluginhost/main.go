package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/codefionn/pluginhost/internal/config"
	"github.com/codefionn/pluginhost/internal/controller"
	"github.com/codefionn/pluginhost/internal/host"
	"github.com/codefionn/pluginhost/internal/lockfile"
	"github.com/codefionn/pluginhost/internal/logger"
	"github.com/codefionn/pluginhost/internal/securemem"
)

type options struct {
	configPath    string
	listen        string
	logLevel      string
	generateToken bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("pluginhost", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", config.DefaultPath(), "path to the configuration file")
	fs.StringVar(&opts.listen, "listen", "", "override the listen address (host:port)")
	fs.StringVar(&opts.logLevel, "log-level", "", "override the log level (debug, info, warn, error, none)")
	fs.BoolVar(&opts.generateToken, "generate-token", false, "write a fresh security token to the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func run() (err error) {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.generateToken {
		token := uuid.NewString()
		cfg.Security.Token = token
		if err := cfg.Save(opts.configPath); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	if envLevel := strings.TrimSpace(os.Getenv("PLUGINHOST_LOG_LEVEL")); envLevel != "" {
		cfg.Log.Level = envLevel
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.listen != "" {
		if err := overrideListen(cfg, opts.listen); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = config.DefaultLogPath()
	}
	if err := logger.Init(cfg.LogLevel(), logPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	logger.Global().SetCategories(cfg.LogCategories())

	securemem.Init()
	defer securemem.Purge()

	s, err := host.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	lock := lockfile.New(cfg.LockPath())
	if err := lock.TryAcquire(s.ID(), cfg.ListenAddress()); err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.Warn("release %s: %v", lock.Path(), releaseErr)
		}
	}()

	ctrl := controller.New(s)
	if err := s.Register(ctrl.Descriptor()); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(opts.configPath, func(next *config.Config) {
		logger.Global().SetLevel(next.LogLevel())
		logger.Global().SetCategories(next.LogCategories())
		if err := s.ApplyConfig(next); err != nil {
			logger.Warn("config reload: %v", err)
			return
		}
		logger.Info("configuration reloaded")
	})
	if err != nil {
		logger.Warn("config changes will not be picked up: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

func overrideListen(cfg *config.Config, addr string) error {
	address, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid -listen %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid -listen port %q", portStr)
	}
	cfg.Server.Address = address
	cfg.Server.Port = port
	return nil
}
