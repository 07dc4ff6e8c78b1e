package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// accessTicket is the ticket the deployed broker grants on access.request.
// Current brokers accept a constant ticket on every operation; the integer is
// still threaded through so declaration calls stay wire compatible.
const accessTicket = 1

// URLDialer dials AMQP hosts by substituting the host into a URL template,
// e.g. "amqp://guest:guest@%s:5672".
type URLDialer struct {
	Template string
}

// Dial opens a connection to the named host.
func (d URLDialer) Dial(host string) (Connection, error) {
	conn, err := amqp.Dial(fmt.Sprintf(d.Template, host))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBroker, err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) AccessRequest(realm string) (int, error) {
	return accessTicket, nil
}

func (c *amqpChannel) ExchangeDeclare(name, kind string, ticket int) error {
	return c.ch.ExchangeDeclare(
		name,  // name of the exchange
		kind,  // type
		false, // durable
		false, // delete when complete
		false, // internal
		false, // noWait
		nil,   // arguments
	)
}

func (c *amqpChannel) QueueDeclare(name string, exclusive, autoDelete bool, ticket int) (string, error) {
	q, err := c.ch.QueueDeclare(
		name,       // name of the queue
		false,      // durable
		autoDelete, // delete when unused
		exclusive,  // exclusive
		false,      // noWait
		nil,        // arguments
	)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) QueueBind(queue, key, exchange string, ticket int) error {
	return c.ch.QueueBind(
		queue,    // name of the queue
		key,      // bindingKey
		exchange, // sourceExchange
		false,    // noWait
		nil,      // arguments
	)
}

func (c *amqpChannel) QueueDelete(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return err
}

func (c *amqpChannel) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(
		queue,       // name
		consumerTag, // consumerTag
		true,        // autoAck
		false,       // exclusive
		false,       // noLocal
		false,       // noWait
		nil,         // arguments
	)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	// Mandatory so unroutable messages come back on the return handler.
	return c.ch.PublishWithContext(ctx, exchange, key, true, false, msg)
}

func (c *amqpChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(receiver)
}

func (c *amqpChannel) NotifyReturn(receiver chan amqp.Return) chan amqp.Return {
	return c.ch.NotifyReturn(receiver)
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
