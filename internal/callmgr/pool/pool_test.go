package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/broker"
	"github.com/AsherBond/whistle/pkg/logging"
)

var queueSeq atomic.Int64

type publishRec struct {
	exchange string
	key      string
	body     []byte
	ch       *fakeChannel
}

type fakeOpener struct {
	mu        sync.Mutex
	chans     map[string]*fakeChannel
	pending   []publishRec
	onPublish func(rec publishRec)
	opens     int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{chans: make(map[string]*fakeChannel)}
}

func (o *fakeOpener) OpenChannel(client broker.Client, host string) (*broker.Grant, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	ch := &fakeChannel{opener: o, deliveries: make(chan amqp.Delivery, 4)}
	o.chans[client.ID] = ch
	return &broker.Grant{Channel: ch, Ticket: 1}, nil
}

func (o *fakeOpener) CloseChannel(clientID, host string) {}

func (o *fakeOpener) setOnPublish(hook func(rec publishRec)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPublish = hook
}

func (o *fakeOpener) recordPublish(rec publishRec) {
	o.mu.Lock()
	hook := o.onPublish
	o.pending = append(o.pending, rec)
	o.mu.Unlock()
	if hook != nil {
		hook(rec)
	}
}

func (o *fakeOpener) publishCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// releaseAll answers every pending publish with the given reply body.
func (o *fakeOpener) releaseAll(body string) {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, rec := range pending {
		rec.ch.deliver([]byte(body))
	}
}

func (o *fakeOpener) queueNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.chans))
	for _, ch := range o.chans {
		if ch.queue != "" {
			names = append(names, ch.queue)
		}
	}
	return names
}

type fakeChannel struct {
	opener     *fakeOpener
	mu         sync.Mutex
	queue      string
	deliveries chan amqp.Delivery
	closed     bool
}

func (c *fakeChannel) AccessRequest(realm string) (int, error) { return 1, nil }

func (c *fakeChannel) ExchangeDeclare(name, kind string, ticket int) error { return nil }

func (c *fakeChannel) QueueDeclare(name string, exclusive, autoDelete bool, ticket int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = fmt.Sprintf("amq.gen-%d", queueSeq.Add(1))
	return c.queue, nil
}

func (c *fakeChannel) QueueBind(queue, key, exchange string, ticket int) error { return nil }

func (c *fakeChannel) QueueDelete(name string) error { return nil }

func (c *fakeChannel) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.opener.recordPublish(publishRec{exchange: exchange, key: key, body: msg.Body, ch: c})
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }

func (c *fakeChannel) NotifyReturn(receiver chan amqp.Return) chan amqp.Return { return receiver }

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) deliver(body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.deliveries <- amqp.Delivery{ContentType: api.ContentTypeJSON, Body: body}
}

// kill simulates the broker dropping the consumer.
func (c *fakeChannel) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
}

func startPool(t *testing.T, opener *fakeOpener, baseline int, trim time.Duration) *Pool {
	t.Helper()
	p := New(Config{
		Opener:       opener,
		Host:         "hostA",
		Baseline:     baseline,
		TrimInterval: trim,
		Logger:       logging.NewLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	require.Eventually(t, func() bool {
		return p.Stats().Workers == baseline
	}, time.Second, 10*time.Millisecond)
	return p
}

func validAuthPayload() map[string]any {
	return map[string]any{
		"Msg-ID":      "m1",
		"To":          "user@example.org",
		"From":        "sip@example.org",
		"Orig-IP":     "10.0.0.1",
		"Auth-User":   "user",
		"Auth-Domain": "example.org",
	}
}

func TestAuthReqRoundTrip(t *testing.T) {
	opener := newFakeOpener()
	opener.setOnPublish(func(rec publishRec) {
		rec.ch.deliver([]byte(`{"Result":"granted"}`))
	})
	p := startPool(t, opener, 2, time.Hour)

	tree, err := p.AuthReq(context.Background(), validAuthPayload(), 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, tree)
	assert.Equal(t, "granted", tree.Path("Result").Data())
}

func TestAuthReqPublishesToCallManager(t *testing.T) {
	opener := newFakeOpener()
	opener.setOnPublish(func(rec publishRec) {
		rec.ch.deliver([]byte(`{}`))
	})
	p := startPool(t, opener, 1, time.Hour)

	_, err := p.AuthReq(context.Background(), validAuthPayload(), 5*time.Second)
	require.NoError(t, err)

	opener.mu.Lock()
	defer opener.mu.Unlock()
	require.Len(t, opener.pending, 1)
	assert.Equal(t, api.ExchangeCallManager, opener.pending[0].exchange)
	assert.Equal(t, api.KeyAuthReq, opener.pending[0].key)
}

func TestRouteReqValidationFailure(t *testing.T) {
	opener := newFakeOpener()
	p := startPool(t, opener, 1, time.Hour)

	_, err := p.RouteReq(context.Background(), map[string]any{}, 5*time.Second)

	var envErr *api.EnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, "route_req", envErr.Kind)
	assert.Zero(t, opener.publishCount(), "validation failures must not publish")
}

func TestElasticScaleUpAndTrimBack(t *testing.T) {
	const baseline = 3
	const calls = 8

	opener := newFakeOpener()
	p := startPool(t, opener, baseline, 40*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.RegQuery(context.Background(), map[string]any{
				"Msg-ID":   "m",
				"Username": "2600",
				"Realm":    "example.org",
				"Fields":   []string{},
			}, 5*time.Second)
			assert.NoError(t, err)
		}()
	}

	// All calls in flight with no free worker: the pool grows to one
	// worker per request.
	require.Eventually(t, func() bool {
		return opener.publishCount() == calls
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, calls, p.Stats().Workers)

	opener.releaseAll(`{"Fields":{}}`)
	wg.Wait()

	require.Eventually(t, func() bool {
		return p.Stats().Workers == baseline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallerTimeoutLeavesWorkerReusable(t *testing.T) {
	opener := newFakeOpener()
	p := startPool(t, opener, 1, time.Hour)

	_, err := p.AuthReq(context.Background(), validAuthPayload(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// The stale reply arrives after the caller gave up; the worker drops
	// it and returns to the free queue.
	opener.releaseAll(`{"Result":"late"}`)
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Workers == 1 && s.Free == 1
	}, time.Second, 10*time.Millisecond)

	// The same worker serves the next request.
	opener.setOnPublish(func(rec publishRec) {
		rec.ch.deliver([]byte(`{"Result":"granted"}`))
	})
	tree, err := p.AuthReq(context.Background(), validAuthPayload(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "granted", tree.Path("Result").Data())
}

func TestWorkerDeathBelowBaselineRespawns(t *testing.T) {
	opener := newFakeOpener()
	p := startPool(t, opener, 3, time.Hour)

	opener.mu.Lock()
	var victim *fakeChannel
	for _, ch := range opener.chans {
		victim = ch
		break
	}
	opener.mu.Unlock()
	require.NotNil(t, victim)

	victim.kill()

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Workers == 3 && s.Free == 3
	}, time.Second, 10*time.Millisecond)
	opener.mu.Lock()
	defer opener.mu.Unlock()
	assert.Len(t, opener.chans, 4)
}

func TestReplyQueueNamesUnique(t *testing.T) {
	opener := newFakeOpener()
	p := startPool(t, opener, 5, time.Hour)
	_ = p

	require.Eventually(t, func() bool {
		return len(opener.queueNames()) == 5
	}, time.Second, 10*time.Millisecond)

	names := opener.queueNames()
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		seen[n] = struct{}{}
	}
	assert.Len(t, seen, len(names))
}
