package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"dnsqtun/internal/certpin"
	"dnsqtun/internal/cliconfig"
	"dnsqtun/internal/metrics"
	"dnsqtun/internal/proxy"
	"dnsqtun/internal/serverrt"
)

func main() {
	var domains cliconfig.DomainList

	dnsListenPort := flag.Int("dns-listen-port", 53, "DNS listen port")
	targetAddress := flag.String("target-address", "127.0.0.1:5201", "upstream target host:port")
	certPath := flag.String("cert", "", "public key output file (with --gen-key) or informational pin file")
	keyPath := flag.String("key", "", "Ed25519 private key file (required unless --gen-key)")
	flag.Var(&domains, "domain", "allowed tunnel domain (repeatable, at least one required)")
	maxConnections := flag.Int("max-connections", 256, "maximum concurrent client connections")
	socksUpstream := flag.String("socks5-upstream", "", "optional SOCKS5 upstream address for outbound target dials")
	debugStreams := flag.Bool("debug-streams", false, "log per-stream detail")
	debugCommands := flag.Bool("debug-commands", false, "log per-command detail")
	logLevel := flag.String("log-level", "info", "log level: trace/debug/info/warn/error")
	genKey := flag.Bool("gen-key", false, "generate an Ed25519 key pair at --key/--cert and exit")

	flag.Parse()

	log := newLogger(*logLevel)

	if *genKey {
		if err := runGenKey(*keyPath, *certPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}

	cfg, err := buildConfig(serverFlags{
		dnsListenPort:  *dnsListenPort,
		targetAddress:  *targetAddress,
		keyPath:        *keyPath,
		domains:        domains,
		maxConnections: *maxConnections,
		socksUpstream:  *socksUpstream,
		debugStreams:   *debugStreams,
		debugCommands:  *debugCommands,
	}, log)
	if err != nil {
		var cerr *cliconfig.ConfigError
		if isConfigError(err, &cerr) {
			fmt.Fprintln(os.Stderr, cerr.Error())
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("servermain: configuration failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runtime := serverrt.New(*cfg)
	if err := runtime.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("servermain: runtime exited with error")
		os.Exit(1)
	}
}

func isConfigError(err error, target **cliconfig.ConfigError) bool {
	if cerr, ok := err.(*cliconfig.ConfigError); ok {
		*target = cerr
		return true
	}
	return false
}

func runGenKey(keyPath, certPath string) error {
	if keyPath == "" || certPath == "" {
		return cliconfig.NewConfigError("--gen-key requires both --key and --cert")
	}
	pubKey, privKey, err := certpin.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := certpin.SavePrivateKey(privKey, keyPath); err != nil {
		return fmt.Errorf("save private key: %w", err)
	}
	if err := certpin.SavePublicKey(pubKey, certPath); err != nil {
		return fmt.Errorf("save public key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "fingerprint: %s\n", certpin.Fingerprint(pubKey))
	return nil
}

type serverFlags struct {
	dnsListenPort  int
	targetAddress  string
	keyPath        string
	domains        []string
	maxConnections int
	socksUpstream  string
	debugStreams   bool
	debugCommands  bool
}

func buildConfig(f serverFlags, log zerolog.Logger) (*serverrt.Config, error) {
	if len(f.domains) == 0 {
		return nil, cliconfig.NewConfigError("at least one --domain is required")
	}
	if f.keyPath == "" {
		return nil, cliconfig.NewConfigError("--key is required")
	}
	if f.targetAddress == "" {
		return nil, cliconfig.NewConfigError("--target-address is required")
	}

	privKey, err := certpin.LoadPrivateKey(f.keyPath)
	if err != nil {
		return nil, cliconfig.NewConfigError("loading --key %s: %v", f.keyPath, err)
	}
	tlsConfig, err := certpin.ServerTLSConfig(privKey)
	if err != nil {
		return nil, cliconfig.NewConfigError("building server TLS config: %v", err)
	}

	var dialer proxy.Dialer
	if f.socksUpstream != "" {
		dialer = proxy.NewSOCKS5Dialer(f.socksUpstream)
		log.Info().Str("upstream", f.socksUpstream).Msg("servermain: using SOCKS5 upstream")
	} else {
		dialer = proxy.DirectDialer{}
		log.Info().Msg("servermain: using direct upstream connections")
	}

	quicConfig := &quic.Config{
		KeepAlivePeriod:            35 * time.Second,
		MaxIdleTimeout:             5 * time.Minute,
		MaxIncomingStreams:         1000,
		MaxIncomingUniStreams:      1000,
		MaxStreamReceiveWindow:     6 * 1024 * 1024,
		MaxConnectionReceiveWindow: 15 * 1024 * 1024,
		InitialPacketSize:          600,
		DisablePathMTUDiscovery:    true,
	}

	m := metrics.New()

	cfg := serverrt.Config{
		DNSListenAddr:  fmt.Sprintf(":%d", f.dnsListenPort),
		Domains:        f.domains,
		TargetAddress:  f.targetAddress,
		Dialer:         dialer,
		TLSConfig:      tlsConfig,
		QUICConfig:     quicConfig,
		MaxConnections: f.maxConnections,
		Metrics:        m,
		Log:            log.With().Bool("debug_streams", f.debugStreams).Bool("debug_commands", f.debugCommands).Logger(),
	}
	return &cfg, nil
}

func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "serverloop").Logger()

	switch strings.ToLower(level) {
	case "trace":
		log = log.Level(zerolog.TraceLevel)
	case "debug":
		log = log.Level(zerolog.DebugLevel)
	case "info":
		log = log.Level(zerolog.InfoLevel)
	case "warn":
		log = log.Level(zerolog.WarnLevel)
	case "error":
		log = log.Level(zerolog.ErrorLevel)
	default:
		log = log.Level(zerolog.InfoLevel)
	}
	return log
}
