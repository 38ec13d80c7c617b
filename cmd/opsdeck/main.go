package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"opsdeck/internal/infra/config"
	"opsdeck/internal/infra/logger"
	"opsdeck/internal/infra/tracer"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		os.Exit(2)
	}

	var err error
	switch cmd := args[0]; cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "version", "--version":
		fmt.Println("opsdeck", version)
		return
	case "proxy":
		err = runProxy(args[1:])
	case "call":
		err = runCall(args[1:])
	case "watch":
		err = runWatch(args[1:])
	case "dashboard":
		err = runDashboard(args[1:])
	case "discover":
		err = runDiscover(args[1:])
	case "encrypt":
		err = runEncrypt(args[1:])
	case "doctor":
		err = runDoctor(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'opsdeck --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`opsdeck - operator console for an agent gateway

USAGE:
    opsdeck COMMAND [ARGS] [--config PATH]

COMMANDS:
    proxy                    Run the authenticating websocket proxy
    call METHOD [JSON]       Connect, send one request and print the payload
    watch [EVENT...]         Print gateway events (all events by default)
    dashboard                Terminal dashboard: status, events, poll results
    discover                 Browse the local network for gateways (mdns builds)
    encrypt VALUE            Print an enc: value for the config file
    doctor                   Check config, gateway reachability and local paths
    version                  Print the version

FLAGS:
    -h, --help               Show this help message
    --config PATH            Config file (default: $OPSDECK_CONFIG or ./opsdeck.yaml)

CONFIGURATION:
    OPSDECK_* environment variables override the config file.
    OPSDECK_CONFIG_KEY is the passphrase for enc: values.

EXAMPLES:
    opsdeck proxy --config /etc/opsdeck.yaml
    opsdeck call health
    opsdeck call sessions.list '{"limit":5}'
    opsdeck watch agent chat
    OPSDECK_CONFIG_KEY=... opsdeck encrypt "$GATEWAY_TOKEN"`)
}

// splitArgs separates --config from positional arguments.
func splitArgs(args []string) (cfgPath string, rest []string) {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--config" && i+1 < len(args):
			cfgPath = args[i+1]
			i++
		case strings.HasPrefix(a, "--config="):
			cfgPath = strings.TrimPrefix(a, "--config=")
		default:
			rest = append(rest, a)
		}
	}
	if cfgPath == "" {
		cfgPath = os.Getenv("OPSDECK_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "opsdeck.yaml"
	}
	return cfgPath, rest
}

// runtimeEnv is what every command needs once config is loaded.
type runtimeEnv struct {
	cfg     *config.Config
	log     *slog.Logger
	cleanup func()
}

// bootstrap loads config and sets up logging and tracing. quiet routes logs
// to a discard sink unless the config names a file, for commands that own
// the terminal.
func bootstrap(ctx context.Context, cfgPath string, quiet bool) (*runtimeEnv, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logCfg := cfg.Logger
	if quiet && (logCfg.Output == "" || logCfg.Output == "stderr" || logCfg.Output == "stdout") {
		logCfg.Output = "discard"
	}
	log, logCloser, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	return &runtimeEnv{
		cfg: cfg,
		log: log,
		cleanup: func() {
			tracerShutdown(context.Background())
			logCloser()
		},
	}, nil
}
