// Package pool serves outbound request/response transactions over the
// broker. Each worker owns a private reply queue bound to the targeted
// exchange and carries one in-flight request at a time; the pool grows on
// demand and trims back toward its baseline on a periodic tick.
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/broker"
)

// DefaultTimeout bounds a pool call when the caller does not supply one.
const DefaultTimeout = 5000 * time.Millisecond

// DefaultTrimInterval is the period of the scale-down tick.
const DefaultTrimInterval = 2500 * time.Millisecond

// ErrTimeout reports that no reply arrived within the per-call deadline.
var ErrTimeout = errors.New("request timed out")

// ChannelOpener grants broker channels; satisfied by *broker.Manager.
type ChannelOpener interface {
	OpenChannel(client broker.Client, host string) (*broker.Grant, error)
	CloseChannel(clientID, host string)
}

// Config configures a Pool.
type Config struct {
	Opener       ChannelOpener
	Host         string
	Baseline     int
	TrimInterval time.Duration
	Logger       *logrus.Logger
}

// Pool coordinates the worker set. All state is owned by the Run goroutine;
// callers and workers communicate with it through the command mailbox.
type Pool struct {
	opener       ChannelOpener
	host         string
	logger       *logrus.Logger
	baseline     int
	trimInterval time.Duration

	cmds chan poolCommand

	free    []*worker
	all     map[*worker]struct{}
	workers int
	served  int

	workersGauge *prometheus.GaugeVec
	requests     *prometheus.CounterVec
}

// poolCommand is the pool's typed mailbox variant set.
type poolCommand interface {
	isPoolCommand()
}

type jobCmd struct {
	j job
}

type workerFreeCmd struct {
	w *worker
}

type workerExitedCmd struct {
	w *worker
}

type statsCmd struct {
	reply chan Stats
}

func (jobCmd) isPoolCommand()          {}
func (workerFreeCmd) isPoolCommand()   {}
func (workerExitedCmd) isPoolCommand() {}
func (statsCmd) isPoolCommand()        {}

// Stats is a snapshot of the pool's coordinator state.
type Stats struct {
	Workers int
	Free    int
	Served  int
}

// New creates a pool. Run must be started before any call is issued.
func New(cfg Config) *Pool {
	if cfg.Baseline <= 0 {
		cfg.Baseline = 10
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = DefaultTrimInterval
	}
	return &Pool{
		opener:       cfg.Opener,
		host:         cfg.Host,
		logger:       cfg.Logger,
		baseline:     cfg.Baseline,
		trimInterval: cfg.TrimInterval,
		cmds:         make(chan poolCommand, 64),
		all:          make(map[*worker]struct{}),
	}
}

// SetMetrics attaches a worker gauge (labelled by state) and a request
// counter (labelled by call kind).
func (p *Pool) SetMetrics(workers *prometheus.GaugeVec, requests *prometheus.CounterVec) {
	p.workersGauge = workers
	p.requests = requests
}

// Run tops the pool up to its baseline, then drains the mailbox and the trim
// ticker until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	for p.workers < p.baseline {
		w := p.spawn()
		p.workers++
		p.free = append(p.free, w)
	}
	p.updateGauges()

	ticker := time.NewTicker(p.trimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdownAll()
			return
		case cmd := <-p.cmds:
			p.handle(cmd)
		case <-ticker.C:
			p.trim()
		}
	}
}

// Stats returns a snapshot of the coordinator state.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	p.cmds <- statsCmd{reply: reply}
	return <-reply
}

func (p *Pool) handle(cmd poolCommand) {
	switch c := cmd.(type) {
	case jobCmd:
		p.dispatch(c.j)
	case workerFreeCmd:
		if _, ok := p.all[c.w]; ok {
			p.free = append(p.free, c.w)
		}
	case workerExitedCmd:
		p.removeWorker(c.w)
	case statsCmd:
		c.reply <- Stats{Workers: p.workers, Free: len(p.free), Served: p.served}
	}
	p.updateGauges()
}

// dispatch hands the job to the head of the free queue, spawning a fresh
// worker when none is idle. The coordinator never waits for the reply.
func (p *Pool) dispatch(j job) {
	var w *worker
	if len(p.free) > 0 {
		w = p.free[0]
		p.free = p.free[1:]
	} else {
		w = p.spawn()
		p.workers++
	}
	w.jobs <- j
	p.served++

	if p.requests != nil {
		p.requests.WithLabelValues(j.kind, "dispatched").Inc()
	}
}

func (p *Pool) removeWorker(w *worker) {
	if _, ok := p.all[w]; !ok {
		return
	}
	delete(p.all, w)
	p.workers--
	for i, fw := range p.free {
		if fw == w {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	if p.workers < p.baseline {
		nw := p.spawn()
		p.workers++
		p.free = append(p.free, nw)
	}
}

// trim implements the periodic scale-down. Only free workers are eligible;
// the pool never shrinks below its baseline. The served counter resets on
// every tick.
func (p *Pool) trim() {
	rp, wc, owc := p.served, p.workers, p.baseline
	switch {
	case rp < owc && wc > owc:
		for len(p.free) > owc {
			p.stopHead()
		}
	case rp < wc && wc > owc:
		for i := 0; i < wc-rp && len(p.free) > owc; i++ {
			p.stopHead()
		}
	}
	p.served = 0
	p.updateGauges()
}

// stopHead shuts down the worker at the head of the free queue. The worker
// leaves the pool's books at once; its later exit notification is ignored.
func (p *Pool) stopHead() {
	w := p.free[0]
	p.free = p.free[1:]
	delete(p.all, w)
	p.workers--
	w.shutdown()
}

func (p *Pool) shutdownAll() {
	for w := range p.all {
		w.shutdown()
	}
	p.all = make(map[*worker]struct{})
	p.free = nil
	p.workers = 0
	p.updateGauges()
}

func (p *Pool) spawn() *worker {
	w := newWorker(p)
	p.all[w] = struct{}{}
	go w.run()
	return w
}

func (p *Pool) updateGauges() {
	if p.workersGauge == nil {
		return
	}
	p.workersGauge.WithLabelValues("total").Set(float64(p.workers))
	p.workersGauge.WithLabelValues("free").Set(float64(len(p.free)))
}

// job carries one request through a worker.
type job struct {
	kind       string
	payload    map[string]any
	shaper     api.Shaper
	exchange   string
	key        string
	reply      chan jobResult
	callerDone <-chan struct{}
}

type jobResult struct {
	tree *gabs.Container
	err  error
}

// AuthReq publishes an authentication request and waits for the reply.
func (p *Pool) AuthReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return p.call(ctx, api.KeyAuthReq, payload, api.AuthReq, api.ExchangeCallManager, api.KeyAuthReq, timeout)
}

// RouteReq publishes a route request and waits for the reply.
func (p *Pool) RouteReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return p.call(ctx, api.KeyRouteReq, payload, api.RouteReq, api.ExchangeCallManager, api.KeyRouteReq, timeout)
}

// RegQuery publishes a registration query and waits for the reply.
func (p *Pool) RegQuery(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return p.call(ctx, api.KeyRegQuery, payload, api.RegQuery, api.ExchangeCallManager, api.KeyRegQuery, timeout)
}

// MediaReq publishes a media request on the call-event exchange and waits
// for the reply.
func (p *Pool) MediaReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return p.call(ctx, api.KeyMediaReq, payload, api.MediaReq, api.ExchangeCallEvent, api.KeyMediaReq, timeout)
}

func (p *Pool) call(ctx context.Context, kind string, payload map[string]any, shaper api.Shaper, exchange, key string, timeout time.Duration) (*gabs.Container, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan jobResult, 1)
	j := job{
		kind:       kind,
		payload:    payload,
		shaper:     shaper,
		exchange:   exchange,
		key:        key,
		reply:      reply,
		callerDone: cctx.Done(),
	}

	select {
	case p.cmds <- jobCmd{j: j}:
	case <-cctx.Done():
		return nil, ErrTimeout
	}

	select {
	case r := <-reply:
		return r.tree, r.err
	case <-cctx.Done():
		if p.requests != nil {
			p.requests.WithLabelValues(kind, "timeout").Inc()
		}
		return nil, ErrTimeout
	}
}
