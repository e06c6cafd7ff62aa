package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mrosenb/garlic-racer/circuit"
	"github.com/mrosenb/garlic-racer/directory"
	"github.com/mrosenb/garlic-racer/garlic"
	"github.com/mrosenb/garlic-racer/onion"
	"github.com/mrosenb/garlic-racer/pool"
	"github.com/mrosenb/garlic-racer/racer"
	"github.com/mrosenb/garlic-racer/socks"
	"github.com/mrosenb/garlic-racer/stream"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfg, socksAddr, authoritiesFlag, logFilePath := parseFlags()

	logger, logFile := setupLogging(logFilePath)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== garlicd %s ===\n", Version)
	fmt.Println()

	if authoritiesFlag != "" {
		cfg.Authorities = strings.Split(authoritiesFlag, ",")
	}

	cacheDir := cfg.CachePath
	if cacheDir == "" {
		cacheDir = directory.DefaultCacheDir()
	}
	cache := &directory.Cache{Dir: cacheDir}

	consensus := loadConsensus(cache, cfg, logger)
	if cfg.PrefetchRouterDescriptors {
		fmt.Println("Prefetching router descriptors...")
		if err := directory.UpdateRelaysWithDescriptors(consensus); err != nil {
			logger.Warn("router descriptor prefetch failed", "error", err)
		}
	}

	introCache := onion.NewIntroCache()
	hsHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}
	raceOpts := cfg.RaceOptions()

	raceFactory := func(domain string) pool.RaceFunc {
		return func(ctx context.Context, d string) (*racer.Result, error) {
			return racer.Race(ctx, d, consensus, introCache, hsHTTPClient, raceOpts, logger)
		}
	}
	manager := pool.NewManager(cfg.ManagerConfig(), raceFactory, logger)

	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)
	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetCirc: func() (*circuit.Circuit, error) {
			return nil, fmt.Errorf("garlicd only proxies .onion targets")
		},
		OnionHandler: onionHandler(manager, cfg, logger),
	}

	runUntilSignal(srv, manager, logger)
}

func parseFlags() (garlic.Config, string, string, string) {
	cfg := garlic.DefaultConfig()

	socksAddr := flag.String("socks-addr", "127.0.0.1:9050", "address to bind the SOCKS5 proxy on")
	authorities := flag.String("authorities", "", "comma-separated directory-authority addresses, overriding the built-in list")
	logFile := flag.String("log-file", "garlicd-debug.log", "path to the JSON debug log")
	cachePath := flag.String("cache-dir", "", "directory for cached consensus/descriptor state (default: OS temp dir)")
	prefetch := flag.Bool("prefetch-descriptors", false, "eagerly fetch router descriptors for every ntor-less relay at startup")
	poolSize := flag.Int("pool-size", cfg.PoolSize, "worker circuits kept warm per domain")
	maxDomains := flag.Int("max-domains", cfg.MaxDomains, "distinct onion domains tracked before LRU eviction")
	maxStreamCount := flag.Int("max-stream-count", cfg.MaxStreamCount, "streams served by a worker circuit before retirement")
	maxCircuitAgeMS := flag.Int64("max-circuit-age-ms", cfg.MaxCircuitAgeMS, "worker circuit age bound in milliseconds")
	latencyThresholdMS := flag.Int64("latency-threshold-ms", cfg.LatencyThresholdMS, "mean stream latency in milliseconds above which a worker is degraded")
	maxConsecutiveFailures := flag.Int("max-consecutive-failures", cfg.MaxConsecutiveFailures, "consecutive stream failures before a worker is retired")
	raceCount := flag.Int("race-count", cfg.RaceCount, "parallel rendezvous lanes per domain race")
	raceHops := flag.Int("race-hops", cfg.RaceHops, "client-side hops to the rendezvous point")
	raceTimeoutMS := flag.Int64("race-timeout-ms", cfg.RaceTimeoutMS, "per-race deadline in milliseconds")
	flag.Parse()

	cfg.PoolSize = *poolSize
	cfg.MaxDomains = *maxDomains
	cfg.MaxStreamCount = *maxStreamCount
	cfg.MaxCircuitAgeMS = *maxCircuitAgeMS
	cfg.LatencyThresholdMS = *latencyThresholdMS
	cfg.MaxConsecutiveFailures = *maxConsecutiveFailures
	cfg.RaceCount = *raceCount
	cfg.RaceHops = *raceHops
	cfg.RaceTimeoutMS = *raceTimeoutMS
	cfg.CachePath = *cachePath
	cfg.PrefetchRouterDescriptors = *prefetch

	return cfg, *socksAddr, *authorities, *logFile
}

func setupLogging(path string) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func loadConsensus(cache *directory.Cache, cfg garlic.Config, logger *slog.Logger) *directory.Consensus {
	text := loadOrFetchConsensus(cache, cfg)
	keyCerts := loadOrFetchKeyCerts(cache, logger)

	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus
}

func loadOrFetchConsensus(cache *directory.Cache, cfg garlic.Config) string {
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		return text
	}
	fmt.Println("Fetching consensus from directory authorities...")
	var text string
	var err error
	if len(cfg.Authorities) > 0 {
		text, err = directory.FetchConsensusFromList(cfg.Authorities)
	} else {
		text, err = directory.FetchConsensus()
	}
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Fetched consensus (%d bytes)\n", len(text))
	return text
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) []directory.KeyCert {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
		return keyCerts
	}
	fmt.Println("Fetching authority key certificates...")
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		fmt.Printf("  Warning: failed to fetch key certificates: %v\n", err)
		fmt.Println("  Falling back to structural signature validation")
		return nil
	}
	fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts
}

// onionHandler builds the socks.Server.OnionHandler that routes .onion
// targets through the domain pool instead of building a fresh circuit
// per connection.
func onionHandler(manager *pool.Manager, cfg garlic.Config, logger *slog.Logger) socks.OnionHandler {
	return func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
		domain := onionAddr
		if mapped, ok := cfg.AddressMap[domain]; ok {
			domain = mapped
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.RaceOptions().LaneTimeout)
		defer cancel()

		p, w, slot, err := manager.Acquire(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("acquire pooled circuit for %s: %w", domain, err)
		}

		target := fmt.Sprintf("%s:%d", domain, port)
		s, err := stream.Begin(w.Circuit, target)
		if err != nil {
			p.Release(slot, pool.ReturnErr, 0)
			return nil, fmt.Errorf("open stream to %s: %w", domain, err)
		}

		logger.Info("stream opened", "domain", domain, "port", port, "slot", slot)
		return &pooledStream{Stream: s, pool: p, slot: slot, start: time.Now(), logger: logger, domain: domain}, nil
	}
}

// pooledStream wraps a stream.Stream so that Close reports the stream's
// outcome and latency back to the domain pool instead of tearing the
// underlying circuit down.
type pooledStream struct {
	*stream.Stream
	pool   *pool.DomainPool
	slot   int
	start  time.Time
	logger *slog.Logger
	domain string
	failed bool
}

func (s *pooledStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if err != nil && err != io.EOF {
		s.failed = true
	}
	return n, err
}

func (s *pooledStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	if err != nil {
		s.failed = true
	}
	return n, err
}

func (s *pooledStream) Close() error {
	err := s.Stream.Close()
	latencyMS := time.Since(s.start).Milliseconds()
	outcome := pool.ReturnOKWithLatency
	if s.failed {
		outcome = pool.ReturnErr
	}
	if reason := s.pool.Release(s.slot, outcome, latencyMS); reason != pool.EvictNone {
		s.logger.Info("worker retired", "domain", s.domain, "reason", reason.String())
	}
	return err
}

func runUntilSignal(srv *socks.Server, manager *pool.Manager, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		manager.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.onion")
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("SOCKS5 server error", "error", err)
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
