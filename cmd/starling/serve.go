package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bytecodealliance/starling-go/internal/admin"
	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/buildinfo"
	"github.com/bytecodealliance/starling-go/internal/config"
	"github.com/bytecodealliance/starling-go/internal/diagnostics"
	"github.com/bytecodealliance/starling-go/internal/egress"
	"github.com/bytecodealliance/starling-go/internal/eventloop"
	"github.com/bytecodealliance/starling-go/internal/fetchapi"
	"github.com/bytecodealliance/starling-go/internal/fetchevent"
	"github.com/bytecodealliance/starling-go/internal/globals"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/vm"
)

var (
	listenAddr string
	watchFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run <script.js>",
	Short: "Load a script and serve it as an HTTP proxy component",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(args[0])
	},
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "address to serve incoming requests on")
	runCmd.Flags().BoolVar(&watchFlag, "watch", false, "reload the script when it changes on disk")
}

// instance bundles one JS runtime with the event loop and globals bound
// to it. A fresh instance is built from scratch on every --watch reload
// since goja.Runtime carries no "reset" operation.
type instance struct {
	loop *eventloop.Loop
	rt   *vm.Runtime
	env  *globals.Environment
}

// engine serves HTTP requests against the current instance. Only one
// request is dispatched at a time — a goja.Runtime is not safe for
// concurrent use, mirroring the WASI component model's single in-flight
// invocation per guest instance. --watch swaps the instance pointer
// under the same lock that serializes requests.
type engine struct {
	mu         sync.Mutex
	current    *instance
	scriptPath string
	logger     *slog.Logger

	host         hostapi.Host
	blobs        *blobstore.Store
	egressPolicy *egress.Policy
	bus          *diagnostics.Bus
}

func newEngine(scriptPath string, host hostapi.Host, blobs *blobstore.Store, egressPolicy *egress.Policy, bus *diagnostics.Bus, logger *slog.Logger) (*engine, error) {
	e := &engine{
		scriptPath:   scriptPath,
		logger:       logger,
		host:         host,
		blobs:        blobs,
		egressPolicy: egressPolicy,
		bus:          bus,
	}
	inst, err := e.build()
	if err != nil {
		return nil, err
	}
	e.current = inst
	return e, nil
}

func (e *engine) build() (*instance, error) {
	rt := vm.New()
	loop := eventloop.New(e.host.Poller, rt, eventloop.WithDiagnostics(e.bus), eventloop.WithLogger(e.logger))
	dispatcher := fetchapi.New(e.host, loop, e.blobs, e.egressPolicy)
	env := globals.New(loop, rt, e.host, dispatcher, e.blobs, e.egressPolicy, e.logger)
	env.Install()

	src, err := os.ReadFile(e.scriptPath)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	if _, err := rt.RunScript(e.scriptPath, string(src)); err != nil {
		return nil, fmt.Errorf("evaluating script: %w", err)
	}
	return &instance{loop: loop, rt: rt, env: env}, nil
}

// reload rebuilds the instance from the script on disk, replacing the
// running one only if the new script evaluates cleanly.
func (e *engine) reload() {
	inst, err := e.build()
	if err != nil {
		e.logger.Error("reload failed, keeping previous script running", "error", err)
		return
	}
	e.mu.Lock()
	e.current = inst
	e.mu.Unlock()
	e.logger.Info("script reloaded", "path", e.scriptPath)
}

func (e *engine) serveHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := requestFromHTTP(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fe := fetchevent.New(e.current.loop, &httpResponseWriter{w: w}, req)
	e.current.env.DispatchFetch(fe)

	if err := e.current.loop.Run(); err != nil {
		e.logger.Error("event loop error", "error", err)
	}
}

func runServe(scriptPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "searched_explicit", configPath)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config %s: %w", cfgPath, err)
		}
		logger.Info("config loaded", "path", cfgPath)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting starling-go", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "script", scriptPath)

	bus := diagnostics.New()
	var store *diagnostics.Store
	if cfg.Diagnostics.SQLitePath != "" {
		store, err = diagnostics.NewStore(cfg.Diagnostics.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening diagnostics store: %w", err)
		}
		defer store.Close()
	}
	stop := make(chan struct{})
	defer close(stop)
	go store.Sink(bus, stop)
	go logSink(bus, logger, stop)

	egressPolicy := egress.AllowAll()
	if len(cfg.Egress.AllowHosts) > 0 {
		egressPolicy, err = egress.NewPolicy(cfg.Egress.AllowHosts)
		if err != nil {
			return fmt.Errorf("compiling egress allowlist: %w", err)
		}
	}

	host := hostapi.Host{
		Clock:      hostapi.NewSystemClock(),
		Random:     hostapi.NewCryptoRandom(),
		HTTPClient: hostapi.NewHTTPClient(cfg.Fetch.DialTimeout),
		Poller:     hostapi.NewSelectPoller(),
	}
	blobs := blobstore.New(host.Random)

	en, err := newEngine(scriptPath, host, blobs, egressPolicy, bus, logger)
	if err != nil {
		return err
	}

	var watcher *scriptWatcher
	if watchFlag {
		watcher, err = newScriptWatcher(scriptPath, en.reload)
		if err != nil {
			return fmt.Errorf("starting script watcher: %w", err)
		}
		defer watcher.Close()
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(cfg.Admin, bus, store, logger)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server failed", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", en.serveHTTP)
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
		if adminSrv != nil {
			_ = adminSrv.Close()
		}
	}()

	logger.Info("listening", "addr", listenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-ctx.Done()
	return nil
}

// logSink mirrors every diagnostic record to the structured logger, in
// addition to whatever SQLite persistence and admin-feed subscribers
// are also attached to bus.
func logSink(bus *diagnostics.Bus, logger *slog.Logger, stop <-chan struct{}) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("diagnostic", "kind", r.Kind, "message", r.Message, "detail", r.Detail)
		case <-stop:
			return
		}
	}
}
