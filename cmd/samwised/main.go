// Command samwised is samwise's daemon: it loads configuration, wires
// PKV, BUF, the BBW fleet, and DISP together, and serves the client wire
// protocol on a TCP listener. Structurally it replaces
// original_source/samwise/src/samd.c's single req/rep socket loop with a
// goroutine-per-connection net.Listener, and its zconfig-driven restart
// loop with a top-level supervisor that owns the process's handles and
// exits non-zero on any Fatal-class startup error (spec §7, §9's "Global
// singletons" design note).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreadworks/samwise/internal/bbw"
	"github.com/dreadworks/samwise/internal/buf"
	"github.com/dreadworks/samwise/internal/config"
	"github.com/dreadworks/samwise/internal/disp"
	"github.com/dreadworks/samwise/internal/logging"
	"github.com/dreadworks/samwise/internal/metrics"
	"github.com/dreadworks/samwise/internal/pkv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// exitFatalBuf is the distinguished exit code returned when the buffer's
// reactor stops on a PKV Io/Corrupt error (spec §4.3.5, §7: "exit with
// distinguished code so the supervisor restarts the process"). Any other
// startup or listener failure exits 1.
const exitFatalBuf = 3

// fatalBufErr wraps the error buf.Buf.Fatal() delivers so main can tell
// this shutdown apart from an ordinary startup failure and pick the
// distinguished exit code.
type fatalBufErr struct{ err error }

func (e *fatalBufErr) Error() string { return "buffer fatal: " + e.err.Error() }
func (e *fatalBufErr) Unwrap() error { return e.err }

func main() {
	var (
		cfgPath     string
		dev         bool
		metricsAddr string
	)

	root := &cobra.Command{
		Use:   "samwised",
		Short: "samwise messaging daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, dev, metricsAddr)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to configuration file")
	root.Flags().BoolVar(&dev, "dev", false, "use human-readable development logging")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve /metrics on this address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var fatal *fatalBufErr
		if errors.As(err, &fatal) {
			os.Exit(exitFatalBuf)
		}
		os.Exit(1)
	}
}

func run(cfgPath string, dev bool, metricsAddr string) error {
	log, err := logging.New(dev)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Sync()

	opts, err := config.Load(cfgPath)
	if err != nil {
		log.Errorw("config load failed", "error", err)
		return err
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg, log)
	}

	store, err := pkv.Open(opts.Buffer.Home, opts.Buffer.File, pkv.DefaultOptions())
	if err != nil {
		log.Errorw("pkv open failed", "error", err)
		return err
	}

	b, err := buf.Open(buf.Config{
		Tries:     opts.Buffer.RetryCount,
		Interval:  opts.Buffer.RetryInterval,
		Threshold: opts.Buffer.RetryThreshold,
	}, store, log, rec)
	if err != nil {
		log.Errorw("buffer open failed", "error", err)
		return err
	}
	defer b.Close()

	fleet := make([]*bbw.BBW, 0, len(opts.Backends))
	for i, bo := range opts.Backends {
		w := bbw.Open(bbw.Config{
			Name:       bo.Name,
			Host:       bo.Host,
			Port:       bo.Port,
			User:       bo.User,
			Pass:       bo.Pass,
			HeartbeatS: bo.HeartbeatS,
			Tries:      bo.Tries,
			Interval:   bo.Interval,
		}, uint64(1)<<uint(i), bbw.DialAMQP, log, rec)
		fleet = append(fleet, w)
	}
	defer func() {
		for _, w := range fleet {
			w.Close()
		}
	}()

	d := disp.Open(b, fleet, log)
	defer d.Close()

	ln, err := net.Listen("tcp", opts.Endpoint)
	if err != nil {
		log.Errorw("listen failed", "endpoint", opts.Endpoint, "error", err)
		return err
	}
	defer ln.Close()
	log.Infow("samwised listening", "endpoint", opts.Endpoint, "backends", len(fleet))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newListener(d, fleet, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- l.serve(ctx, ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down on signal")
		cancel()
		ln.Close()
		return nil
	case err := <-serveErr:
		return err
	case err := <-b.Fatal():
		log.Errorw("buffer reactor stopped fatally, exiting for supervisor restart", "error", err)
		cancel()
		ln.Close()
		return &fatalBufErr{err: err}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server stopped", "error", err)
	}
}
