// Command proxy-server runs the WOL-gated TCP forwarding engine, the
// machine registry, the inactivity monitor, and a minimal management
// HTTP surface (CRUD on machines plus /metrics). Grounded on the
// teacher's cmd/nns entrypoint pattern: parse flags, build a logger,
// wire components, block on signal, shut down in reverse order.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/oplik0/wakezilla/internal/config"
	"github.com/oplik0/wakezilla/internal/metrics"
	"github.com/oplik0/wakezilla/internal/prober"
	"github.com/oplik0/wakezilla/internal/registry"
	"github.com/oplik0/wakezilla/internal/shutdown"
	"github.com/oplik0/wakezilla/internal/supervisor"
	"github.com/oplik0/wakezilla/internal/wake"
	"github.com/oplik0/wakezilla/internal/werrors"
	"github.com/oplik0/wakezilla/internal/wol"
)

// Exit codes per spec §6.
const (
	exitOK        = 0
	exitConfigErr = 1
	exitBindErr   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", config.DefaultProxyPort, "management and proxy port")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		return exitConfigErr
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return exitConfigErr
	}
	if flagWasSet("port") {
		cfg.ProxyPort = *port
	}

	reg := registry.New(cfg.MachinesDBPath, registry.WithLogger(log))
	if err := reg.Load(); err != nil {
		log.Error("failed to load registry", zap.Error(err))
		return exitConfigErr
	}

	wakeCoord := wake.New(&prober.TCPProber{}, &wol.Emitter{}, log)
	shutdownClient := &shutdown.Client{}
	sup := supervisor.New(reg, wakeCoord, shutdownClient, log)
	if err := sup.Start(); err != nil {
		log.Error("failed initial reconciliation", zap.Error(err))
		return exitBindErr
	}

	mgmt := newManagementServer(reg)
	addr := fmt.Sprintf(":%d", cfg.ProxyPort)
	httpServer := &http.Server{Addr: addr, Handler: mgmt}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("management surface listening", zap.String("addr", addr))
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("management port bind failed", zap.Error(err))
			return exitBindErr
		}
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	sup.Stop(ctx)
	reg.Close(ctx)

	return exitOK
}

func flagWasSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// newManagementServer builds the minimal REST surface the core
// exposes its registry operations through. The management surface
// itself (auth, HTML, asset serving) is out of scope; this is just
// enough wiring for the CRUD operations spec §4.F names.
func newManagementServer(reg *registry.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/machines", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, reg.List())
		case http.MethodPost:
			var m registry.Machine
			if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			created, err := reg.Insert(m)
			if err != nil {
				writeMutationError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/machines/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/machines/"):]
		switch r.Method {
		case http.MethodGet:
			m, ok := reg.Get(id)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, m)
		case http.MethodPut:
			var m registry.Machine
			if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			updated, err := reg.Update(id, m)
			if err != nil {
				writeMutationError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			if err := reg.Remove(id); err != nil {
				writeMutationError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func writeMutationError(w http.ResponseWriter, err error) {
	var validationErr *werrors.ValidationError
	var bindErr *werrors.ListenerBindFailed
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &bindErr):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
