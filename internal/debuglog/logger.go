package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	EnvDebug  = "TXRELAY_DEBUG"
	queueSize = 2048
)

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	outMu   sync.Mutex
	out     io.Writer = os.Stderr
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func Enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// SetOutput redirects log lines and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	out = w
	return prev
}

func write(msg string) {
	outMu.Lock()
	_, _ = io.WriteString(out, msg)
	outMu.Unlock()
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				write(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !Enabled() {
		write(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// saturated: drop rather than block a request goroutine
	}
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
