package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipebridge/internal/adapter/gateway"
	"pipebridge/internal/adapter/pipe"
	"pipebridge/internal/domain"
	"pipebridge/internal/infra/config"
	"pipebridge/internal/infra/logger"
	"pipebridge/internal/infra/tracer"
	"pipebridge/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`pipebridge - chat-to-workflow bridge daemon

Forwards chat turns to Flowise and n8n workflow webhooks and relays
answers, streamed tokens, and status updates back over a WebSocket
gateway.

USAGE:
    pipebridge [FLAGS]
    pipebridge encrypt VALUE    Encrypt a secret for the config file
                                (requires PIPEBRIDGE_CONFIG_KEY)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: PIPEBRIDGE_* variables override config`)
}

// runEncrypt encrypts one secret value for use in the config file.
func runEncrypt() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: pipebridge encrypt VALUE")
	}
	passphrase := os.Getenv("PIPEBRIDGE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("PIPEBRIDGE_CONFIG_KEY is not set")
	}
	encrypted, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx := context.Background()
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	bus := eventbus.New(log)
	defer bus.Close()

	registry := pipe.NewRegistry()
	register := func(p domain.Pipe) {
		if cfg.Breaker.Enabled {
			p = pipe.NewCircuitBreakerPipe(p, cfg.Breaker, log)
		}
		registry.Register(p)
	}
	if cfg.Flowise.Enabled {
		register(pipe.NewFlowisePipe(cfg.Flowise, log))
	}
	if cfg.N8N.Enabled {
		register(pipe.NewN8NPipe(cfg.N8N, log))
	}
	if len(registry.IDs()) == 0 {
		return fmt.Errorf("%w: no pipes enabled", domain.ErrConfigLoad)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !cfg.Gateway.Enabled {
		log.Info("gateway disabled, nothing to serve")
		<-ctx.Done()
		return nil
	}

	srv := gateway.NewServer(bus, gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens), cfg.Gateway.Addr, log)
	gateway.RegisterHandlers(srv, gateway.HandlerDeps{
		Pipes:  registry,
		Bus:    bus,
		Logger: log,
	})

	log.Info("pipebridge starting",
		"pipes", registry.IDs(),
		"gateway", cfg.Gateway.Addr,
		"breaker", cfg.Breaker.Enabled,
	)

	return srv.Start(ctx)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return "config.yaml"
}
