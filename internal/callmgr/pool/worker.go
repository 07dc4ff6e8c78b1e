package pool

import (
	"context"
	"errors"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/broker"
)

// worker holds one exclusive reply queue and serves one request at a time.
// stop is the pool's shutdown signal; done closes when the worker goroutine
// is gone, which is what the session manager watches.
type worker struct {
	id    string
	queue string
	jobs  chan job
	stop  chan struct{}
	done  chan struct{}
	pool  *Pool
}

func newWorker(p *Pool) *worker {
	return &worker{
		id: "pool-worker-" + uuid.New().String(),
		// jobs is buffered so the coordinator can hand a job to a
		// freshly spawned worker before its queue setup finishes.
		jobs: make(chan job, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		pool: p,
	}
}

// shutdown terminates the worker. Trimming only calls this on free workers;
// pool shutdown calls it on every worker, and a busy worker exits once its
// current request is done.
func (w *worker) shutdown() {
	close(w.stop)
}

func (w *worker) run() {
	defer func() {
		close(w.done)
		w.pool.cmds <- workerExitedCmd{w: w}
	}()

	ch, deliveries, err := w.setup()
	if err != nil {
		w.pool.logger.WithError(err).WithField("worker", w.id).Warn("Worker setup failed")
		w.failPending(err)
		return
	}

	for {
		select {
		case <-w.stop:
			return
		case j := <-w.jobs:
			w.serve(ch, deliveries, j)
			select {
			case w.pool.cmds <- workerFreeCmd{w: w}:
			case <-w.stop:
				return
			}
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			// A reply with no request in flight: its caller gave up.
			w.pool.logger.WithFields(map[string]any{
				"worker":   w.id,
				"exchange": d.Exchange,
			}).Debug("Dropping stale reply")
		}
	}
}

// setup declares the worker's server-named exclusive reply queue, binds it
// to the targeted exchange under its own name and starts consuming. The
// queue name is the worker's reply address.
func (w *worker) setup() (broker.Channel, <-chan amqp.Delivery, error) {
	grant, err := w.pool.opener.OpenChannel(broker.Client{ID: w.id, Done: w.done}, w.pool.host)
	if err != nil {
		return nil, nil, err
	}
	ch, ticket := grant.Channel, grant.Ticket

	queue, err := ch.QueueDeclare("", true, true, ticket)
	if err != nil {
		return nil, nil, err
	}
	if err := ch.QueueBind(queue, queue, api.ExchangeTargeted, ticket); err != nil {
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, w.id)
	if err != nil {
		return nil, nil, err
	}

	w.queue = queue
	return ch, deliveries, nil
}

// failPending reports the setup error to a job already handed to this
// worker, if any, so its caller does not wait out the full timeout.
func (w *worker) failPending(err error) {
	select {
	case j := <-w.jobs:
		j.reply <- jobResult{err: err}
	default:
	}
}

// serve runs one request: stamp the reply address, shape, publish, then
// block until either the reply arrives or the caller goes away.
func (w *worker) serve(ch broker.Channel, deliveries <-chan amqp.Delivery, j job) {
	payload := make(map[string]any, len(j.payload)+1)
	for k, v := range j.payload {
		payload[k] = v
	}
	payload["Server-ID"] = w.queue

	body, err := j.shaper(payload)
	if err != nil {
		j.reply <- jobResult{err: err}
		return
	}

	err = ch.Publish(context.Background(), j.exchange, j.key, amqp.Publishing{
		ContentType: api.ContentTypeJSON,
		Body:        body,
	})
	if err != nil {
		j.reply <- jobResult{err: err}
		return
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			j.reply <- jobResult{err: errors.New("reply queue closed")}
			return
		}
		tree, err := gabs.ParseJSON(d.Body)
		if err != nil {
			j.reply <- jobResult{err: err}
			return
		}
		j.reply <- jobResult{tree: tree}
	case <-j.callerDone:
		w.pool.logger.WithField("worker", w.id).Debug("Caller gone; abandoning reply")
	}
}
