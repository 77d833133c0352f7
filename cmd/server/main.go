package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ARPOISE/NdServer/internal/app"
	"github.com/ARPOISE/NdServer/internal/relay"
	"github.com/ARPOISE/NdServer/pkg/metrics"
)

const version = "1.0.0"

// Exit codes: 0 normal, 101 init failure, 102 missing port, 104 listen
// socket failure.
func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	port := flag.Int("p", 0, "TCP port to listen on (required)")
	rootDir := flag.String("ROOTDIR", "", "root directory, overrides the ROOTDIR environment variable")
	trace := flag.Bool("TRACE", false, "enable trace logging")
	debug := flag.Bool("D", false, "stay in the foreground and log to stderr")
	debugLong := flag.Bool("debug", false, "alias for -D")
	flag.Parse()

	cfg := app.LoadConfig()
	cfg.Port = *port
	cfg.Trace = *trace
	cfg.Debug = *debug || *debugLong
	if *rootDir != "" {
		cfg.RootDir = *rootDir
	}

	if cfg.Port == 0 {
		fmt.Fprintf(os.Stderr, "No port given for server!\nusage: %s -p port\n", os.Args[0])
		os.Exit(102)
	}

	level := new(slog.LevelVar)
	if cfg.Trace {
		level.Set(slog.LevelDebug)
	}

	name := app.ProcessName(filepath.Base(os.Args[0]), cfg.Port)

	var logw io.Writer = os.Stderr
	var logFile *app.ReopenWriter
	var lock *os.File
	if !cfg.Debug {
		if cfg.RootDir == "" {
			fmt.Fprintln(os.Stderr, "ROOTDIR must be set")
			os.Exit(101)
		}
		for _, dir := range []string{"log", "status"} {
			if _, err := os.Stat(filepath.Join(cfg.RootDir, dir)); err != nil {
				fmt.Fprintf(os.Stderr, "missing directory %s: %v\n", filepath.Join(cfg.RootDir, dir), err)
				os.Exit(101)
			}
		}
		var err error
		logFile, err = app.NewReopenWriter(filepath.Join(cfg.RootDir, "log", name+".log"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(101)
		}
		logw = logFile
		lock, err = app.AcquireLockfile(cfg.RootDir, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot acquire lockfile: %v\n", err)
			os.Exit(101)
		}
		defer lock.Close()
	}
	logger := app.NewLogger(cfg.Env, logw, level)

	logger.Info("server.start", "file", os.Args[0], "version", version, "name", name)
	for i, arg := range os.Args[1:] {
		logger.Info("server.arg", "index", i+1, "value", arg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := relay.NewServer(cfg, logger)

	// Signal wiring: TERM/INT stop the loop, USR2 toggles trace, HUP
	// reopens the log file, CHLD is drained by the runtime.
	signal.Ignore(syscall.SIGPIPE)
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2, syscall.SIGHUP, syscall.SIGCHLD)
	go func() {
		for sig := range sigc {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Info("server.signal", "signal", sig.String())
				srv.Stop()
				cancel()
			case syscall.SIGUSR2:
				if level.Level() == slog.LevelDebug {
					level.Set(slog.LevelInfo)
				} else {
					level.Set(slog.LevelDebug)
				}
				logger.Info("server.trace", "level", level.Level().String())
			case syscall.SIGHUP:
				if logFile != nil {
					if err := logFile.Reopen(); err != nil {
						logger.Error("server.log.reopen", "err", err)
					}
				}
			}
		}
	}()

	if err := srv.ConnectBus(ctx); err != nil {
		logger.Error("server.bus.connect", "err", err)
		os.Exit(101)
	}

	if err := srv.Listen(); err != nil {
		logger.Error("server.listen", "port", cfg.Port, "err", err)
		os.Exit(104)
	}

	// Optional status listener for prometheus scrapes and health checks
	if cfg.StatusAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		status := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("server.status.listening", "addr", cfg.StatusAddr)
			if err := status.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server.status.crash", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = status.Shutdown(shutdownCtx)
		}()
	}

	srv.Run()

	logger.Info("server.shutdown.start")
	srv.Shutdown()
	logger.Info("server.shutdown.complete")
	if logFile != nil {
		_ = logFile.Close()
	}
}
