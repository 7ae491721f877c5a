// Command client-server is the companion shutdown agent referenced by
// the core only via its HTTP contract (spec §6): it exposes
// POST /turn-off and, on a successful call, shuts the host down.
// Not part of the core; this is a thin reference implementation of
// the other side of the wire contract so proxy-server's inactivity
// monitor has something real to call in a local or demo deployment.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

const (
	exitOK        = 0
	exitConfigErr = 1
	exitBindErr   = 2
)

const defaultClientPort = 3001

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", defaultClientPort, "shutdown agent listen port")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		return exitConfigErr
	}
	defer log.Sync()

	mux := http.NewServeMux()
	mux.HandleFunc("/turn-off", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		log.Info("shutdown requested", zap.String("remote_addr", r.RemoteAddr))
		w.WriteHeader(http.StatusOK)
		go shutdownHost(log)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("client-server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("bind failed", zap.Error(err))
		return exitBindErr
	}
	return exitOK
}

// shutdownHost issues the OS shutdown command appropriate to the
// running platform. Best-effort: errors are logged, never surfaced to
// the caller, since the HTTP response has already been sent.
func shutdownHost(log *zap.Logger) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "darwin":
		cmd = exec.Command("shutdown", "-h", "now")
	case "windows":
		cmd = exec.Command("shutdown", "/s", "/t", "0")
	default:
		log.Warn("no shutdown command known for platform", zap.String("goos", runtime.GOOS))
		return
	}
	if err := cmd.Run(); err != nil {
		log.Error("shutdown command failed", zap.Error(err))
	}
}
