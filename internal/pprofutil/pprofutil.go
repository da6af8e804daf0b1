// Package pprofutil exposes net/http/pprof on a loopback port for
// operators chasing latency in a running relay.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	EnvEnable      = "TXRELAY_PPROF"
	EnvAddr        = "TXRELAY_PPROF_ADDR"
	EnvAllowPublic = "TXRELAY_PPROF_ALLOW_PUBLIC"
)

var (
	startOnce sync.Once
	startAddr string
	startErr  error
)

type Options struct {
	Addr string
	// AllowPublic permits a non-loopback bind.
	AllowPublic bool
}

// OptionsFromEnv reports whether profiling is enabled and with what options.
func OptionsFromEnv() (Options, bool) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return Options{}, false
	}
	return Options{
		Addr:        strings.TrimSpace(os.Getenv(EnvAddr)),
		AllowPublic: strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1",
	}, true
}

// StartFromEnv starts the profiler when TXRELAY_PPROF=1.
func StartFromEnv(logw io.Writer) error {
	opts, ok := OptionsFromEnv()
	if !ok {
		return nil
	}
	_, err := Start(opts, logw)
	return err
}

// Start binds the profiler once per process and returns its address.
func Start(opts Options, logw io.Writer) (string, error) {
	startOnce.Do(func() {
		addr := opts.Addr
		if addr == "" {
			addr = DefaultAddr
		}
		if !opts.AllowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		startAddr = ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", startAddr)
		}
		srv := &http.Server{
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startAddr, startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
