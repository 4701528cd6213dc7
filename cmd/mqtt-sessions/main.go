package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/console"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/driver"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/orchestrator"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/server"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/store"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.StringP("config", "c", config.DefaultPath, "configuration file (.json or .toml)")
	brokerAddr := flag.StringP("broker", "b", "", "start an embedded MQTT broker on this address, e.g. 127.0.0.1:1883")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			fmt.Println(color.YellowString(err.Error()))
			return
		}
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	if *debug {
		cfg.DebugMode = true
	}

	loggerCallback := logger.Init(cfg)
	logger.Debug("Application initializing...")
	cleaner := lifecycle.NewCleaner()
	cleaner.Add(loggerCallback)

	err = run(cfg, cleaner, *brokerAddr)
	if cleanErr := cleaner.Clean(context.Background()); cleanErr != nil {
		err = errors.Join(err, cleanErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, cleaner *lifecycle.Cleaner, brokerAddr string) error {
	ctx, stop := cleaner.NotifyContext(context.Background())
	defer stop()

	defaults := cfg.DefaultProfile.Clone()
	if defaults.Type == "" {
		defaults = session.DefaultOptions()
	}

	if brokerAddr != "" {
		broker := server.New(server.Options{})
		addr, err := broker.ListenAndServe(brokerAddr)
		if err != nil {
			return fmt.Errorf("start embedded broker: %w", err)
		}
		cleaner.Add(lifecycle.CallableFunc(func(context.Context) error { return broker.Close() }))
		logger.InfoF("Embedded broker listening on %s", addr)
		if defaults.Type == session.V3 && defaults.V3 != nil {
			host, port, _ := net.SplitHostPort(addr.String())
			defaults.V3.BrokerAddr = host
			if value, err := strconv.ParseUint(port, 10, 16); err == nil {
				defaults.V3.Port = uint16(value)
			}
		}
	}

	profiles, err := openStore(ctx, cfg, cleaner)
	if err != nil {
		return err
	}

	sessions := orchestrator.New(orchestrator.Config{
		CommandCapacity:  cfg.Relay.CommandCapacity,
		EventCapacity:    cfg.Relay.EventCapacity,
		OutboundCapacity: cfg.Relay.OutboundCapacity,
		ControlCapacity:  cfg.Relay.ControlCapacity,
		DrainWindow:      cfg.Session.DrainWindowDuration(),
		RetryInterval:    cfg.Session.RetryIntervalDuration(),
		Connector:        driver.ClientConnector(cfg.Client.RequestCapacity, cfg.Client.ConnectTimeoutDuration()),
	})
	ui := console.New(sessions, profiles, color.Output, console.Config{
		MaxPerTick: cfg.Console.MaxPerTick,
		History:    cfg.Console.History,
		Defaults:   defaults,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 标准输入的读取无法被取消，不放进 errgroup
	go func() {
		if err := ui.Serve(runCtx, os.Stdin); err != nil {
			logger.WarnF("Console input closed: %v", err)
		}
		cancel()
	}()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return sessions.Run(groupCtx)
	})
	group.Go(func() error {
		// 出站通道关闭前持续消费，终止通知不会丢失
		return ui.Loop(context.Background(), cfg.Console.TickDuration())
	})

	logger.InfoF("%s started, type help for commands", cfg.AppName)
	err = group.Wait()
	logger.InfoF("%s stopped, %d notifications dropped", cfg.AppName, sessions.Dropped())
	return err
}

func openStore(ctx context.Context, cfg config.Config, cleaner *lifecycle.Cleaner) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mongo":
		database, closer, err := store.ConnectDatabase(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("error occured while initializing database: %w", err)
		}
		cleaner.Add(closer)
		return store.NewMongoStore(ctx, database, store.MongoOptions{
			CacheSize:        cfg.Store.CacheSize,
			CacheTTL:         cfg.Store.CacheTTLDuration(),
			OperationTimeout: cfg.Database.OperationTimeoutDuration(),
		})
	default:
		return store.NewMemoryStore(), nil
	}
}
