// Package mediamgr consumes media-fetch requests from the broker, keeps a
// pool of pre-bound TCP listener sockets for streaming endpoints and tracks
// live streaming children so later requests can join an existing stream.
package mediamgr

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/broker"
)

// DefaultRetryInterval paces consumer re-bootstrap attempts while the broker
// is unavailable.
const DefaultRetryInterval = 1000 * time.Millisecond

// DefaultMediaDB is used when a media name does not carry a database.
const DefaultMediaDB = "media_files"

// ChannelOpener grants broker channels; satisfied by *broker.Manager.
type ChannelOpener interface {
	OpenChannel(client broker.Client, host string) (*broker.Grant, error)
	CloseChannel(clientID, host string)
}

// Config configures a Dispatcher.
type Config struct {
	Opener           ChannelOpener
	Host             string
	Store            Store
	Supervisor       Supervisor
	DefaultDB        string
	PortMin          int
	PortMax          int
	MaxReservedPorts int
	RetryInterval    time.Duration
	Logger           *logrus.Logger
}

// Dispatcher is the single consumer of the media-request binding. All state
// is owned by the Run goroutine.
type Dispatcher struct {
	opener     ChannelOpener
	host       string
	store      Store
	supervisor Supervisor
	defaultDB  string
	logger     *logrus.Logger
	id         string

	cmds     chan dispatchCommand
	hostDown chan string

	ports   *portPool
	streams map[string]Stream

	ch         broker.Channel
	ticket     int
	deliveries <-chan amqp.Delivery
	queue      string
	lastQueue  string
	brokerUp   bool
	retry      *backoff.ConstantBackOff

	portsGauge   *prometheus.GaugeVec
	requests     *prometheus.CounterVec
	streamsGauge *prometheus.GaugeVec
}

type dispatchCommand interface {
	isDispatchCommand()
}

type addStreamCmd struct {
	mediaID string
	stream  Stream
}

type streamGoneCmd struct {
	mediaID string
	stream  Stream
}

type lookupStreamCmd struct {
	mediaID string
	reply   chan Stream
}

type nextPortCmd struct {
	reply chan leaseResult
}

type stateCmd struct {
	reply chan DispatcherState
}

func (addStreamCmd) isDispatchCommand()    {}
func (streamGoneCmd) isDispatchCommand()   {}
func (lookupStreamCmd) isDispatchCommand() {}
func (nextPortCmd) isDispatchCommand()     {}
func (stateCmd) isDispatchCommand()        {}

type leaseResult struct {
	ln  net.Listener
	err error
}

// DispatcherState is a snapshot of the coordinator state.
type DispatcherState struct {
	Queue         string
	BrokerUp      bool
	ReservedPorts int
	Streams       int
}

// New creates a dispatcher. Run must be started before any public method is
// used.
func New(cfg Config) *Dispatcher {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.DefaultDB == "" {
		cfg.DefaultDB = DefaultMediaDB
	}
	return &Dispatcher{
		opener:     cfg.Opener,
		host:       cfg.Host,
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		defaultDB:  cfg.DefaultDB,
		logger:     cfg.Logger,
		id:         "media-dispatcher-" + uuid.New().String(),
		cmds:       make(chan dispatchCommand, 64),
		hostDown:   make(chan string, 1),
		ports:      newPortPool(cfg.PortMin, cfg.PortMax, cfg.MaxReservedPorts, cfg.Logger),
		streams:    make(map[string]Stream),
		retry:      backoff.NewConstantBackOff(cfg.RetryInterval),
	}
}

// SetMetrics attaches the reserved-port gauge, the request counter and the
// active-stream gauge.
func (d *Dispatcher) SetMetrics(ports *prometheus.GaugeVec, requests *prometheus.CounterVec, streams *prometheus.GaugeVec) {
	d.portsGauge = ports
	d.requests = requests
	d.streamsGauge = streams
}

// Run bootstraps the consumer queue and the port pool, then drains commands,
// deliveries and retry timers until ctx is cancelled. The coordinator never
// blocks on request handling; each delivery is served in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	// One-shot timer covers both the initial bootstrap and later retries.
	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.teardown()
			return

		case <-retryTimer.C:
			if d.bootstrap(ctx) {
				d.ports.fill()
				d.updateGauges()
			} else {
				retryTimer.Reset(d.retry.NextBackOff())
			}

		case host := <-d.hostDown:
			d.logger.WithField("host", host).Warn("Broker host down; consumer entering retry mode")
			d.brokerUp = false
			d.queue = ""
			d.deliveries = nil
			retryTimer.Reset(d.retry.NextBackOff())

		case cmd := <-d.cmds:
			d.handle(cmd)

		case del, ok := <-d.deliveries:
			if !ok {
				d.logger.Warn("Consumer stream closed; consumer entering retry mode")
				d.brokerUp = false
				d.queue = ""
				d.deliveries = nil
				retryTimer.Reset(d.retry.NextBackOff())
				continue
			}
			d.consume(ctx, del)
		}
	}
}

// AddStream registers a live streaming child for future join requests.
func (d *Dispatcher) AddStream(mediaID string, s Stream) {
	d.cmds <- addStreamCmd{mediaID: mediaID, stream: s}
}

// NextPort leases the head of the reserved-port queue, refilling lazily.
func (d *Dispatcher) NextPort() (net.Listener, error) {
	reply := make(chan leaseResult, 1)
	d.cmds <- nextPortCmd{reply: reply}
	res := <-reply
	return res.ln, res.err
}

// State returns a snapshot of the coordinator state.
func (d *Dispatcher) State() DispatcherState {
	reply := make(chan DispatcherState, 1)
	d.cmds <- stateCmd{reply: reply}
	return <-reply
}

func (d *Dispatcher) handle(cmd dispatchCommand) {
	switch c := cmd.(type) {
	case addStreamCmd:
		d.streams[c.mediaID] = c.stream
		go d.watchStream(c.mediaID, c.stream)
		d.updateGauges()

	case streamGoneCmd:
		// Removal is idempotent: a replacement registered under the
		// same media id must not be torn down by the old child's exit.
		if current, ok := d.streams[c.mediaID]; ok && current == c.stream {
			delete(d.streams, c.mediaID)
			d.updateGauges()
		} else {
			d.logger.WithField("media", c.mediaID).Debug("Spurious stream exit ignored")
		}

	case lookupStreamCmd:
		c.reply <- d.streams[c.mediaID]

	case nextPortCmd:
		ln, ok := d.ports.take()
		if !ok {
			c.reply <- leaseResult{err: ErrNoPorts}
		} else {
			c.reply <- leaseResult{ln: ln}
		}
		d.updateGauges()

	case stateCmd:
		c.reply <- DispatcherState{
			Queue:         d.queue,
			BrokerUp:      d.brokerUp,
			ReservedPorts: d.ports.size(),
			Streams:       len(d.streams),
		}
	}
}

// bootstrap opens the consumer channel and declares the anonymous queue
// bound to the call-event exchange under the media-request key and to the
// targeted exchange under its own name. A remembered previous queue gets a
// best-effort delete first.
func (d *Dispatcher) bootstrap(ctx context.Context) bool {
	grant, err := d.opener.OpenChannel(broker.Client{
		ID:       d.id,
		Done:     ctx.Done(),
		HostDown: d.hostDown,
	}, d.host)
	if err != nil {
		d.logger.WithError(err).Warn("Consumer bootstrap failed")
		d.queue = ""
		return false
	}
	ch, ticket := grant.Channel, grant.Ticket

	if d.lastQueue != "" {
		_ = ch.QueueDelete(d.lastQueue)
	}

	queue, err := ch.QueueDeclare("", true, true, ticket)
	if err != nil {
		d.logger.WithError(err).Warn("Consumer queue declare failed")
		d.queue = ""
		return false
	}
	if err := ch.QueueBind(queue, api.KeyMediaReq, api.ExchangeCallEvent, ticket); err != nil {
		d.logger.WithError(err).Warn("Consumer queue bind failed")
		d.queue = ""
		return false
	}
	if err := ch.QueueBind(queue, queue, api.ExchangeTargeted, ticket); err != nil {
		d.logger.WithError(err).Warn("Consumer queue bind failed")
		d.queue = ""
		return false
	}
	deliveries, err := ch.Consume(queue, d.id)
	if err != nil {
		d.logger.WithError(err).Warn("Consumer start failed")
		d.queue = ""
		return false
	}

	d.ch = ch
	d.ticket = ticket
	d.deliveries = deliveries
	d.queue = queue
	d.lastQueue = queue
	d.brokerUp = true
	d.logger.WithField("queue", queue).Info("Media consumer established")
	return true
}

// consume takes one port from the pool and serves the request in a fresh
// goroutine so the consumer loop never blocks. The pool is topped back up
// after each dispatch.
func (d *Dispatcher) consume(ctx context.Context, del amqp.Delivery) {
	ln, _ := d.ports.take()
	go d.handleRequest(ctx, d.ch, del, ln)
	d.ports.fill()
	d.updateGauges()
}

func (d *Dispatcher) lookupStream(mediaID string) Stream {
	reply := make(chan Stream, 1)
	d.cmds <- lookupStreamCmd{mediaID: mediaID, reply: reply}
	return <-reply
}

func (d *Dispatcher) watchStream(mediaID string, s Stream) {
	<-s.Done()
	d.cmds <- streamGoneCmd{mediaID: mediaID, stream: s}
}

func (d *Dispatcher) teardown() {
	d.ports.closeAll()
	d.opener.CloseChannel(d.id, d.host)
	d.updateGauges()
}

func (d *Dispatcher) updateGauges() {
	if d.portsGauge != nil {
		d.portsGauge.WithLabelValues(d.portMode()).Set(float64(d.ports.size()))
	}
	if d.streamsGauge != nil {
		d.streamsGauge.WithLabelValues("continuous").Set(float64(len(d.streams)))
	}
}

func (d *Dispatcher) portMode() string {
	if d.ports.lo == 0 && d.ports.hi == 0 {
		return "random"
	}
	return "range"
}
