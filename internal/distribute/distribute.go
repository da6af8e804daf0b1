// Package distribute pushes stored envelopes to the nodes of remote
// recipients. Pushes are fire-and-forget: failures are logged and counted
// but never reported to the sender.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"txrelay/internal/debuglog"
	"txrelay/internal/envelope"
	"txrelay/internal/metrics"
	"txrelay/internal/peer"
)

const (
	DefaultMaxAttempts    = 4
	DefaultAttemptTimeout = 8 * time.Second
	DefaultBackoffBase    = 100 * time.Millisecond
	DefaultBackoffMax     = 1 * time.Second
	DefaultConcurrency    = 16
)

var (
	ErrClosed            = errors.New("distributor closed")
	ErrUnsupportedScheme = errors.New("no client for peer scheme")
)

// Client delivers one encoded envelope to one peer in a single attempt.
type Client interface {
	Push(ctx context.Context, p peer.Peer, encoded []byte) error
}

// Router dispatches to a Client by the peer URI scheme.
type Router map[string]Client

func (r Router) Push(ctx context.Context, p peer.Peer, encoded []byte) error {
	if p.URI == nil {
		return fmt.Errorf("%w: empty peer", ErrUnsupportedScheme)
	}
	c, ok := r[strings.ToLower(p.URI.Scheme)]
	if !ok || c == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, p.URI.Scheme)
	}
	return c.Push(ctx, p, encoded)
}

type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// Concurrency bounds parallel pushes within one job.
	Concurrency int
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Backoff is the wait after the given failed attempt (1-based):
// base doubling per attempt, capped at max.
func (o Options) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return o.BackoffBase
	}
	d := o.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.BackoffMax {
			return o.BackoffMax
		}
	}
	return d
}

type Result struct {
	Peer     peer.Peer
	Attempts int
	Err      error
}

// Job tracks one distribution. Wait is for tests and operators; senders do
// not wait on it.
type Job struct {
	ID      string
	Hash    envelope.TxHash
	done    chan struct{}
	results []Result
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Wait() []Result {
	<-j.done
	return j.results
}

type Distributor struct {
	client Client
	opts   Options

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(client Client, opts Options) *Distributor {
	base, cancel := context.WithCancel(context.Background())
	return &Distributor{client: client, opts: opts.withDefaults(), base: base, cancel: cancel}
}

// Distribute starts pushing env to every distinct target and returns at once.
// Cancelling ctx does not stop the pushes; only Close does.
func (d *Distributor) Distribute(ctx context.Context, env *envelope.EncodedPayload, hash envelope.TxHash, targets []peer.Peer) *Job {
	job := &Job{ID: uuid.NewString(), Hash: hash, done: make(chan struct{})}
	targets = uniquePeers(targets)
	if len(targets) == 0 {
		close(job.done)
		return job
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		for _, p := range targets {
			job.results = append(job.results, Result{Peer: p, Err: ErrClosed})
		}
		close(job.done)
		return job
	}
	d.wg.Add(1)
	d.mu.Unlock()

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.base, cancel)
	encoded := envelope.Encode(env)
	job.results = make([]Result, len(targets))

	go func() {
		defer d.wg.Done()
		defer close(job.done)
		defer cancel()
		defer stop()
		var g errgroup.Group
		g.SetLimit(d.opts.Concurrency)
		for i, p := range targets {
			g.Go(func() error {
				job.results[i] = d.pushWithRetry(jobCtx, job, p, encoded)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return job
}

func (d *Distributor) pushWithRetry(ctx context.Context, job *Job, p peer.Peer, encoded []byte) Result {
	res := Result{Peer: p}
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		res.Err = d.client.Push(actx, p, encoded)
		cancel()
		if res.Err == nil {
			d.opts.Metrics.IncPushOK()
			debuglog.Debugf("push ok: job=%s hash=%s peer=%s attempts=%d", job.ID, job.Hash, p, attempt)
			return res
		}
		debuglog.Debugf("push attempt failed: job=%s peer=%s attempt=%d err=%v", job.ID, p, attempt, res.Err)
		if attempt == d.opts.MaxAttempts || errors.Is(res.Err, ErrUnsupportedScheme) || !sleepCtx(ctx, d.opts.Backoff(attempt)) {
			break
		}
		d.opts.Metrics.IncPushRetried()
	}
	debuglog.Logf("push failed: job=%s hash=%s peer=%s attempts=%d err=%v", job.ID, job.Hash, p, res.Attempts, res.Err)
	d.opts.Metrics.RecordPushFailure(metrics.PushFailure{
		Hash:     job.Hash.String(),
		Peer:     p.String(),
		Attempts: res.Attempts,
		Error:    res.Err.Error(),
	})
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func uniquePeers(in []peer.Peer) []peer.Peer {
	seen := make(map[string]bool, len(in))
	out := make([]peer.Peer, 0, len(in))
	for _, p := range in {
		if p.URI == nil {
			continue
		}
		k := p.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// Close stops accepting jobs and waits for in-flight ones. If ctx ends first
// the remaining pushes are cancelled.
func (d *Distributor) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
