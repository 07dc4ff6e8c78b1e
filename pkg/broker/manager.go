package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/AsherBond/whistle/pkg/api"
)

// accessRealm is the realm named in the access request issued at channel
// open.
const accessRealm = "/data"

// command is the manager's typed mailbox variant set.
type command interface {
	isCommand()
}

type isAvailableCmd struct {
	host  string
	reply chan bool
}

type openChannelCmd struct {
	client Client
	host   string
	reply  chan openResult
}

type closeChannelCmd struct {
	clientID string
	host     string
}

type connLostCmd struct {
	host string
}

type chanLostCmd struct {
	host     string
	clientID string
}

type clientGoneCmd struct {
	host     string
	clientID string
}

type nodeDownCmd struct {
	node string
}

func (isAvailableCmd) isCommand() {}
func (openChannelCmd) isCommand() {}
func (closeChannelCmd) isCommand() {}
func (connLostCmd) isCommand()    {}
func (chanLostCmd) isCommand()    {}
func (clientGoneCmd) isCommand()  {}
func (nodeDownCmd) isCommand()    {}

type openResult struct {
	grant *Grant
	err   error
}

// watch pairs a stored handle with the goroutine observing its liveness.
// Cancelling a watch guarantees it delivers nothing afterwards.
type watch struct {
	stop chan struct{}
	once sync.Once
}

func newWatch() *watch {
	return &watch{stop: make(chan struct{})}
}

func (w *watch) cancel() {
	w.once.Do(func() { close(w.stop) })
}

type channelEntry struct {
	client      Client
	ch          Channel
	ticket      int
	chWatch     *watch
	clientWatch *watch
}

type hostEntry struct {
	host      string
	conn      Connection
	connWatch *watch
	channels  map[string]*channelEntry
}

// Manager multiplexes channels over one connection per broker host. All
// state is owned by the Run goroutine; public methods post commands.
type Manager struct {
	dialer Dialer
	logger *logrus.Logger
	cmds   chan command

	hosts map[string]*hostEntry

	connGauge *prometheus.GaugeVec
	chanGauge *prometheus.GaugeVec
}

// NewManager creates a broker session manager. Run must be started before
// any public method is called.
func NewManager(dialer Dialer, logger *logrus.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		logger: logger,
		cmds:   make(chan command, 64),
		hosts:  make(map[string]*hostEntry),
	}
}

// SetMetrics attaches connection and channel gauges, both labelled by host.
func (m *Manager) SetMetrics(connections, channels *prometheus.GaugeVec) {
	m.connGauge = connections
	m.chanGauge = channels
}

// Run drains the command mailbox until ctx is cancelled. Teardown of a dying
// resource completes before the next command is processed.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.teardownAll()
			return
		case cmd := <-m.cmds:
			m.handle(cmd)
		}
	}
}

// IsAvailable reports whether a live connection to host exists or can be
// created on demand. Connection refusal returns false.
func (m *Manager) IsAvailable(host string) bool {
	reply := make(chan bool, 1)
	m.cmds <- isAvailableCmd{host: host, reply: reply}
	return <-reply
}

// OpenChannel returns a live channel and access ticket for (client, host),
// opening the connection and channel as needed. An existing live channel for
// the pair is returned as is.
func (m *Manager) OpenChannel(client Client, host string) (*Grant, error) {
	reply := make(chan openResult, 1)
	m.cmds <- openChannelCmd{client: client, host: host, reply: reply}
	res := <-reply
	return res.grant, res.err
}

// CloseChannel asynchronously closes the channel held by (clientID, host).
// Unknown targets are logged and ignored.
func (m *Manager) CloseChannel(clientID, host string) {
	m.cmds <- closeChannelCmd{clientID: clientID, host: host}
}

// NodeDown reports a cluster node-down notification. Broker nodes are named
// rabbit@<host>; the prefix is stripped to index the host table.
func (m *Manager) NodeDown(node string) {
	m.cmds <- nodeDownCmd{node: node}
}

func (m *Manager) handle(cmd command) {
	switch c := cmd.(type) {
	case isAvailableCmd:
		_, err := m.ensureHost(c.host)
		c.reply <- err == nil
	case openChannelCmd:
		grant, err := m.openChannel(c.client, c.host)
		c.reply <- openResult{grant: grant, err: err}
	case closeChannelCmd:
		m.removeChannel(c.host, c.clientID, "close requested")
	case connLostCmd:
		m.teardownHost(c.host, "connection lost")
	case chanLostCmd:
		m.replaceChannel(c.host, c.clientID)
	case clientGoneCmd:
		m.removeChannel(c.host, c.clientID, "client gone")
	case nodeDownCmd:
		host := strings.TrimPrefix(c.node, "rabbit@")
		m.teardownHost(host, "node down")
	}
}

// ensureHost returns the entry for host, dialing the broker on first demand.
func (m *Manager) ensureHost(host string) (*hostEntry, error) {
	if e, ok := m.hosts[host]; ok {
		return e, nil
	}

	conn, err := m.dialer.Dial(host)
	if err != nil {
		m.logger.WithError(err).WithField("host", host).Warn("Broker connection failed")
		return nil, ErrNoBroker
	}

	e := &hostEntry{
		host:      host,
		conn:      conn,
		connWatch: m.watchConnection(host, conn),
		channels:  make(map[string]*channelEntry),
	}
	m.hosts[host] = e

	if m.connGauge != nil {
		m.connGauge.WithLabelValues(host).Set(1)
	}
	m.logger.WithField("host", host).Info("Broker connection established")
	return e, nil
}

func (m *Manager) openChannel(client Client, host string) (*Grant, error) {
	e, err := m.ensureHost(host)
	if err != nil {
		return nil, err
	}

	if entry, ok := e.channels[client.ID]; ok {
		return &Grant{Channel: entry.ch, Ticket: entry.ticket}, nil
	}

	entry, err := m.openEntry(e, client)
	if err != nil {
		return nil, err
	}
	return &Grant{Channel: entry.ch, Ticket: entry.ticket}, nil
}

// openEntry runs the channel-open protocol: open the channel, register the
// client as return handler, obtain an access ticket, declare the known
// exchanges and install the watches.
func (m *Manager) openEntry(e *hostEntry, client Client) (*channelEntry, error) {
	ch, err := e.conn.Channel()
	if err != nil {
		return nil, &ChannelOpenError{Cause: err}
	}

	if client.Returns != nil {
		returns := ch.NotifyReturn(make(chan amqp.Return, 1))
		go forwardReturns(returns, client.Returns)
	}

	ticket, err := ch.AccessRequest(accessRealm)
	if err != nil {
		_ = ch.Close()
		return nil, &ChannelOpenError{Cause: err}
	}

	for _, name := range api.KnownExchanges() {
		if err := ch.ExchangeDeclare(name, api.ExchangeType[name], ticket); err != nil {
			_ = ch.Close()
			return nil, &ChannelOpenError{Cause: err}
		}
	}

	entry := &channelEntry{
		client:      client,
		ch:          ch,
		ticket:      ticket,
		chWatch:     m.watchChannel(e.host, client.ID, ch),
		clientWatch: m.watchClient(e.host, client.ID, client.Done),
	}
	e.channels[client.ID] = entry

	if m.chanGauge != nil {
		m.chanGauge.WithLabelValues(e.host).Inc()
	}
	m.logger.WithFields(logrus.Fields{
		"host":   e.host,
		"client": client.ID,
	}).Debug("Channel opened")
	return entry, nil
}

// replaceChannel handles a channel dying underneath a still-living client:
// cancel the stale watches and re-open on the existing connection. On
// failure the entry is dropped entirely.
func (m *Manager) replaceChannel(host, clientID string) {
	e, ok := m.hosts[host]
	if !ok {
		return
	}
	entry, ok := e.channels[clientID]
	if !ok {
		return
	}

	entry.chWatch.cancel()
	entry.clientWatch.cancel()
	_ = entry.ch.Close()
	delete(e.channels, clientID)
	if m.chanGauge != nil {
		m.chanGauge.WithLabelValues(host).Dec()
	}

	if !entry.client.alive() {
		return
	}

	if _, err := m.openEntry(e, entry.client); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"host":   host,
			"client": clientID,
		}).Warn("Channel replacement failed; dropping channel")
	}
}

// removeChannel shuts one client's channel; the connection and other
// channels remain.
func (m *Manager) removeChannel(host, clientID, reason string) {
	e, ok := m.hosts[host]
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"host":   host,
			"client": clientID,
		}).Debug("Close for unknown host ignored")
		return
	}
	entry, ok := e.channels[clientID]
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"host":   host,
			"client": clientID,
		}).Debug("Close for unknown channel ignored")
		return
	}

	entry.chWatch.cancel()
	entry.clientWatch.cancel()
	_ = entry.ch.Close()
	delete(e.channels, clientID)

	if m.chanGauge != nil {
		m.chanGauge.WithLabelValues(host).Dec()
	}
	m.logger.WithFields(logrus.Fields{
		"host":   host,
		"client": clientID,
		"reason": reason,
	}).Debug("Channel closed")
}

// teardownHost destroys the entire host entry. Clients still alive receive a
// one-shot host-down notification.
func (m *Manager) teardownHost(host, reason string) {
	e, ok := m.hosts[host]
	if !ok {
		m.logger.WithField("host", host).Debug("Teardown for unknown host ignored")
		return
	}

	for clientID, entry := range e.channels {
		entry.chWatch.cancel()
		entry.clientWatch.cancel()
		_ = entry.ch.Close()

		if entry.client.alive() && entry.client.HostDown != nil {
			select {
			case entry.client.HostDown <- host:
			default:
				m.logger.WithFields(logrus.Fields{
					"host":   host,
					"client": clientID,
				}).Warn("Host-down notification dropped")
			}
		}
	}

	e.connWatch.cancel()
	_ = e.conn.Close()
	delete(m.hosts, host)

	if m.connGauge != nil {
		m.connGauge.WithLabelValues(host).Set(0)
	}
	if m.chanGauge != nil {
		m.chanGauge.WithLabelValues(host).Set(0)
	}
	m.logger.WithFields(logrus.Fields{
		"host":   host,
		"reason": reason,
	}).Info("Broker host torn down")
}

func (m *Manager) teardownAll() {
	for host := range m.hosts {
		m.teardownHost(host, "shutdown")
	}
}

func (m *Manager) watchConnection(host string, conn Connection) *watch {
	w := newWatch()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case <-w.stop:
		case <-closed:
			select {
			case m.cmds <- connLostCmd{host: host}:
			case <-w.stop:
			}
		}
	}()
	return w
}

func (m *Manager) watchChannel(host, clientID string, ch Channel) *watch {
	w := newWatch()
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case <-w.stop:
		case <-closed:
			select {
			case m.cmds <- chanLostCmd{host: host, clientID: clientID}:
			case <-w.stop:
			}
		}
	}()
	return w
}

func (m *Manager) watchClient(host, clientID string, done <-chan struct{}) *watch {
	w := newWatch()
	if done == nil {
		return w
	}
	go func() {
		select {
		case <-w.stop:
		case <-done:
			select {
			case m.cmds <- clientGoneCmd{host: host, clientID: clientID}:
			case <-w.stop:
			}
		}
	}()
	return w
}

func forwardReturns(src <-chan amqp.Return, dst chan<- amqp.Return) {
	for r := range src {
		select {
		case dst <- r:
		default:
		}
	}
}
