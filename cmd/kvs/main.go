package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/KevoDB/kvs/pkg/client"
	"github.com/KevoDB/kvs/pkg/common/log"
	cfgpkg "github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/engine"
)

// Config holds the application configuration
type Config struct {
	ServerMode  bool
	ListenAddr  string
	DataDir     string
	DBPath      string
	LogLevel    string
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	Compression string

	// Store overrides, applied on top of the manifest when set
	SyncMode            string
	CompactionThreshold int64
	CompactionInterval  int64
}

func main() {
	config := parseFlags()

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr))
	log.SetDefaultLogger(logger)

	if config.ServerMode {
		if err := runServer(config, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	b, err := openBackend(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if flag.NArg() == 0 {
		runInteractive(b, config)
	} else {
		code = runCommand(b, flag.Args(), os.Stdout, os.Stderr)
	}

	if err := b.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// parseFlags parses command line flags and returns a Config
func parseFlags() Config {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "kvs - A crash-safe key-value store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  kvs -server [-address addr] [-data dir]   Run the gRPC server\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  kvs [options] <command> [args]            Run one command\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  kvs [options]                             Start an interactive shell\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Commands talk to the server at -address, or to a local store with -db.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nCommands:\n%s", commandHelp)
	}

	serverMode := flag.Bool("server", false, "Run in server mode, exposing a gRPC API")
	listenAddr := flag.String("address", "localhost:50051", "Server address to listen on or connect to")
	dataDir := flag.String("data", "./data", "Data directory served in server mode")
	dbPath := flag.String("db", "", "Run commands against the store in this directory instead of a server")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	syncMode := flag.String("sync", "", "Override the segment sync mode: none, batch or immediate")
	threshold := flag.Int64("compaction-threshold", 0, "Override the uncompacted bytes that trigger compaction")
	interval := flag.Int64("compaction-interval", -1, "Override the background compaction check interval in seconds (0 disables)")
	compression := flag.String("compression", "none", "Request compression when talking to a server: none, gzip or snappy")

	// TLS options
	tlsEnabled := flag.Bool("tls", false, "Enable TLS for secure connections")
	tlsCertFile := flag.String("cert", "", "TLS certificate file path")
	tlsKeyFile := flag.String("key", "", "TLS private key file path")
	tlsCAFile := flag.String("ca", "", "TLS CA certificate file path")

	flag.Parse()

	return Config{
		ServerMode:  *serverMode,
		ListenAddr:  *listenAddr,
		DataDir:     *dataDir,
		DBPath:      *dbPath,
		LogLevel:    *logLevel,
		TLSEnabled:  *tlsEnabled,
		TLSCertFile: *tlsCertFile,
		TLSKeyFile:  *tlsKeyFile,
		TLSCAFile:   *tlsCAFile,
		Compression: *compression,

		SyncMode:            *syncMode,
		CompactionThreshold: *threshold,
		CompactionInterval:  *interval,
	}
}

// engineOptions builds the engine options for config, including any
// overrides given on the command line
func engineOptions(config Config, logger log.Logger) ([]engine.Option, error) {
	opts := []engine.Option{engine.WithLogger(logger)}

	if config.SyncMode != "" {
		mode, err := cfgpkg.ParseSyncMode(config.SyncMode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithConfigOverride(func(c *cfgpkg.Config) { c.SyncMode = mode }))
	}
	if config.CompactionThreshold > 0 {
		opts = append(opts, engine.WithConfigOverride(func(c *cfgpkg.Config) {
			c.CompactionThreshold = config.CompactionThreshold
		}))
	}
	if config.CompactionInterval >= 0 {
		opts = append(opts, engine.WithConfigOverride(func(c *cfgpkg.Config) {
			c.CompactionInterval = config.CompactionInterval
		}))
	}
	return opts, nil
}

// openBackend opens the local store named by -db, or connects to the server
func openBackend(config Config, logger log.Logger) (backend, error) {
	if config.DBPath != "" {
		opts, err := engineOptions(config, logger)
		if err != nil {
			return nil, err
		}
		eng, err := engine.Open(config.DBPath, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open database at %s: %w", config.DBPath, err)
		}
		return localBackend{eng}, nil
	}

	options := client.DefaultClientOptions()
	options.Endpoint = config.ListenAddr
	options.TLSEnabled = config.TLSEnabled
	options.CertFile = config.TLSCertFile
	options.KeyFile = config.TLSKeyFile
	options.CAFile = config.TLSCAFile
	options.Compression = client.CompressionType(config.Compression)

	c, err := client.NewClient(options)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout+time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return remoteBackend{c}, nil
}

// exitCode maps a command error to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}
