// Emberlink - Tag Simulation and Multi-Protocol Publisher Gateway
//
// Simulates a configurable tag database, exposes it over an embedded
// OPC UA server and a REST API, and fans tag changes out to MQTT,
// Sparkplug B, Kafka, Valkey, AMQP, WebSocket, Modbus TCP, OPC UA
// client, SQLite history, and Prometheus publishers.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"emberlink/brokertest"
	"emberlink/config"
	"emberlink/engine"
	"emberlink/logging"
	"emberlink/web"

	// Publisher kinds register themselves with the factory on import.
	_ "emberlink/amqp"
	_ "emberlink/history"
	_ "emberlink/kafka"
	_ "emberlink/modbus"
	_ "emberlink/mqtt"
	_ "emberlink/opcpush"
	_ "emberlink/prom"
	_ "emberlink/sparkplug"
	_ "emberlink/valkey"
	_ "emberlink/wsbroker"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
// This allows users to use `--log-debug` alone to enable all protocol logging.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		// Check for --log-debug or -log-debug without =
		if arg == "--log-debug" || arg == "-log-debug" {
			// Check if next arg exists and is not another flag
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				// No value provided, inject "all"
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		// If it has = sign, value is already provided
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noWeb       = flag.Bool("no-web", false, "Disable REST API server (ephemeral)")
	noOPCUA     = flag.Bool("no-opcua", false, "Disable embedded OPC UA server (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")

	// Stress test flags
	testPublishers = flag.Bool("stress-test-publishers", false, "Run stress tests for enabled publishers and exit")
	testDuration   = flag.Duration("test-duration", 10*time.Second, "Duration for each publisher stress test")
	testTags       = flag.Int("test-tags", 100, "Number of simulated tags for stress test")
	testYes        = flag.Bool("y", false, "Skip confirmation prompt for stress tests")
)

func main() {
	// Pre-process args to handle --log-debug without a value
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("emberlink %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Override web and OPC UA config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noWeb {
		cfg.Web.Enabled = false
	}
	if *noOPCUA {
		cfg.OPCUA.Enabled = false
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Run publisher stress tests if requested
	if *testPublishers {
		runPublisherTests(cfg)
		return
	}

	run(cfg)
}

// runPublisherTests runs stress tests against enabled publishers.
func runPublisherTests(cfg *config.Config) {
	enabledCount := 0
	var pubList []string
	for _, pc := range cfg.Publishers {
		if pc.Enabled {
			enabledCount++
			pubList = append(pubList, fmt.Sprintf("%s/%s", pc.Kind, pc.Name))
		}
	}

	if enabledCount == 0 {
		fmt.Println("No enabled publishers found in configuration.")
		fmt.Println("Enable publishers in your config file to run stress tests.")
		return
	}

	if !*testYes {
		fmt.Println()
		fmt.Println("WARNING: Stress test")
		fmt.Println()
		fmt.Printf("This will stress test %d publisher(s) for %v:\n\n", enabledCount, *testDuration)
		for _, p := range pubList {
			fmt.Printf("  - %s\n", p)
		}
		fmt.Println()
		fmt.Print("Continue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	testCfg := brokertest.TestConfig{
		Duration: *testDuration,
		NumTags:  *testTags,
	}

	runner := brokertest.NewRunner(cfg, testCfg)
	results := runner.Run()

	for _, result := range results {
		if !result.Success {
			os.Exit(1)
		}
	}
}

func run(cfg *config.Config) {
	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			fileLogger.SetEcho(true)
		}
	}

	// Set up debug logging if specified
	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
			if filter == "" {
				fmt.Println("Debug logging enabled (all categories) - writing to debug.log")
			} else {
				fmt.Printf("Debug logging enabled (filter: %s) - writing to debug.log\n", filter)
			}
		}
	}

	logFn := func(format string, args ...interface{}) {
		if fileLogger != nil {
			fileLogger.Log(format, args...)
		} else {
			fmt.Printf(format+"\n", args...)
		}
	}

	// Create and start the engine: tag store, simulation, publishers,
	// and the embedded OPC UA server.
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logFn,
	})
	eng.Start()

	logFn("Namespace '%s', %d tags, tick rate %s", cfg.Namespace, eng.Store().Len(), cfg.TickRate)
	if srv := eng.OPCServer(); srv != nil {
		logFn("OPC UA server at %s", srv.Endpoint())
	}
	for _, st := range eng.PublisherStatuses() {
		state := "disabled"
		if st.Enabled {
			state = "enabled"
		}
		logFn("Publisher %s (%s): %s", st.Name, st.Kind, state)
	}

	// Start HTTP server (unless disabled)
	var webServer *web.Server
	if cfg.Web.Enabled {
		ws := web.NewServer(&cfg.Web, eng)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			webServer = ws
			logFn("REST API at %s/api/", ws.Address())
		}
	}

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	if webServer != nil {
		webServer.Stop()
	}
	eng.Stop()

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}
