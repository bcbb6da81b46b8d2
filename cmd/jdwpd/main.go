// Command jdwpd stands up the JDWP socket transport, event engine, and
// dispatcher against an in-process heap, alongside a Prometheus metrics
// endpoint — the end-to-end wiring exercise for the debugger engine.
//
// Grounded on the teacher's own small-binary cmd/ style, generalized
// with spf13/cobra for the flag surface and golang.org/x/sync/errgroup
// to coordinate the accept loop, the heap-trim daemon, and the metrics
// HTTP listener the way the teacher's own goroutine-per-concern server
// loops are structured (chan.go/select.go's blocking-operation idiom,
// here expressed as independently cancellable errgroup members).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oakvm/heapcore/config"
	"github.com/oakvm/heapcore/gcspec"
	"github.com/oakvm/heapcore/internal/demoheap"
	"github.com/oakvm/heapcore/jdwp/dispatch"
	"github.com/oakvm/heapcore/jdwp/event"
	"github.com/oakvm/heapcore/jdwp/transport"
	"github.com/oakvm/heapcore/metrics"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "jdwpd",
		Short: "Serve a JDWP debugger connection and Prometheus metrics against an in-process heap",
		RunE:  runServe,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults built in if omitted)")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	heapMetrics := metrics.NewHeap(reg, "heapcore")
	gcMetrics := metrics.NewGC(reg, "heapcore")

	heapCfg := cfg.Heap.HeapSourceConfig(log)
	heapCfg.BytesAllocatedGauge = heapMetrics.BytesAllocated
	h, err := demoheap.New(heapCfg)
	if err != nil {
		return fmt.Errorf("jdwpd: %w", err)
	}
	defer h.Heap.Close()
	h.GC.GCCount = gcMetrics.Count
	h.GC.GCPauseSeconds = gcMetrics.PauseSeconds

	events := &event.Store{}
	gate := event.NewThreadGate()

	disp := &dispatch.Dispatcher{
		Gate:  gate,
		Table: buildTable(h, events),
	}

	t := &transport.SocketTransport{
		PortLo: cfg.Transport.Port,
		PortHi: cfg.Transport.Port,
		Log:    log,
	}
	if cfg.Transport.PortRangeEnd > cfg.Transport.Port {
		t.PortHi = cfg.Transport.PortRangeEnd
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runTransport(gctx, t, disp, log) })
	g.Go(func() error { return runMetricsServer(gctx, reg, cfg.Metrics) })
	g.Go(func() error { return runTrimDaemon(gctx, h, cfg.Heap) })

	<-gctx.Done()
	t.Shutdown()

	return g.Wait()
}

// buildTable wires the handful of command-set/command handlers this
// demo server answers: VirtualMachine IDSizes and Version, the DDM
// heap-info chunk, and EventRequest Set/Clear (spec.md §6's command-set
// list, plus SPEC_FULL's DDM expansion).
func buildTable(h *demoheap.Harness, events *event.Store) dispatch.Table {
	return dispatch.Table{
		{CmdSet: 1, Cmd: 1}: func(buf []byte, reply *[]byte) dispatch.ErrorCode {
			*reply = []byte("heapcore-jdwpd 1.0")
			return dispatch.ErrorNone
		},
		{CmdSet: 1, Cmd: 7}: func(buf []byte, reply *[]byte) dispatch.ErrorCode {
			// fieldID, methodID, objectID, referenceTypeID, frameID sizes,
			// all 8 bytes in this module (spec.md §6: "IDs are 8 bytes").
			sizes := make([]byte, 20)
			for i := 0; i < 5; i++ {
				sizes[i*4+3] = 8
			}
			*reply = sizes
			return dispatch.ErrorNone
		},
		{CmdSet: 199, Cmd: 1}: func(buf []byte, reply *[]byte) dispatch.ErrorCode {
			s := h.Heap.Stats()
			*reply = []byte(fmt.Sprintf("active_bytes=%d ideal_size=%d", s.ActiveBytesAllocated, s.IdealSize))
			return dispatch.ErrorNone
		},
		// EventRequest.Set: register a no-modifier event request of the
		// kind named by the packet's first byte (an event kind constant
		// the debugger chose), suspend policy ALL. Real JDWP decodes a
		// full modifier list here; this demo server only needs enough to
		// exercise Store.Register end to end.
		{CmdSet: 15, Cmd: 1}: func(buf []byte, reply *[]byte) dispatch.ErrorCode {
			if len(buf) < 1 {
				return dispatch.ErrorIllegalArgument
			}
			r := events.Register(event.Kind(buf[0]), event.SuspendAll, nil)
			id := make([]byte, 4)
			id[0], id[1], id[2], id[3] = byte(r.RequestID>>24), byte(r.RequestID>>16), byte(r.RequestID>>8), byte(r.RequestID)
			*reply = id
			return dispatch.ErrorNone
		},
		// EventRequest.Clear: unregister by the 4-byte big-endian request
		// id the debugger previously got back from Set.
		{CmdSet: 15, Cmd: 2}: func(buf []byte, reply *[]byte) dispatch.ErrorCode {
			if len(buf) < 4 {
				return dispatch.ErrorIllegalArgument
			}
			id := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
			if !events.Unregister(id) {
				return dispatch.ErrorInternal
			}
			return dispatch.ErrorNone
		},
	}
}

func runTransport(ctx context.Context, t *transport.SocketTransport, disp *dispatch.Dispatcher, log *zap.Logger) error {
	if err := t.Accept(ctx); err != nil {
		return fmt.Errorf("jdwpd: transport accept: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !t.IsConnected() {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if t.AwaitingHandshake() {
			if err := t.Establish(); err != nil {
				log.Warn("jdwpd: handshake failed", zap.Error(err))
				continue
			}
		}
		req, err := t.ProcessIncoming()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("jdwpd: read failed, awaiting reconnect", zap.Error(err))
			continue
		}
		reply := disp.Dispatch(0, uint64(time.Now().UnixMilli()), req)
		if err := disp.Send(t, reply, false); err != nil {
			log.Warn("jdwpd: reply send failed", zap.Error(err))
		}
	}
}

func runMetricsServer(ctx context.Context, reg *prometheus.Registry, cfg config.Metrics) error {
	if !cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("jdwpd: metrics server: %w", err)
		}
		return nil
	}
}

// runTrimDaemon is spec.md §5's GC-daemon loop, simplified to a plain
// ticker: a real condvar-wait/signal pair has no meaning without a
// mutator thread to wake it, so a periodic tick stands in as the
// "HEAP_TRIM_IDLE_TIME_MS relative wait times out" branch — each tick
// runs a concurrent collection (unless one is already running), then
// recomputes the ideal size, soft limit and concurrent-start threshold
// from the active heap's allocated bytes. No committed pages are
// released.
func runTrimDaemon(ctx context.Context, h *demoheap.Harness, cfg config.Heap) error {
	interval := time.Duration(cfg.HeapTrimIdleTimeMillis) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !h.Heap.GCRunning() {
				_ = h.GC.Collect(gcspec.Concurrent)
			}
			stats := h.Heap.Stats()
			h.Heap.GrowForUtilization(stats.ActiveBytesAllocated)
		}
	}
}
