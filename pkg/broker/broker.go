// Package broker maintains per-host AMQP connections and opens channels on
// behalf of client processes. A single coordinator owns every connection and
// channel handle; liveness watches on the connection, the channel and the
// client are the only triggers for teardown.
package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNoBroker reports that the broker refused the connection or the host is
// unreachable.
var ErrNoBroker = errors.New("no broker available")

// ChannelOpenError reports that the broker accepted the connection but
// channel negotiation failed. Manager state is unchanged.
type ChannelOpenError struct {
	Cause error
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("channel open failed: %v", e.Cause)
}

func (e *ChannelOpenError) Unwrap() error { return e.Cause }

// Dialer opens a broker connection to a host.
type Dialer interface {
	Dial(host string) (Connection, error)
}

// Connection is the subset of an AMQP connection the manager owns.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of an AMQP channel handed to clients. The access
// ticket obtained at open time is passed back into declaration operations;
// the deployed broker variant requires it there.
type Channel interface {
	AccessRequest(realm string) (int, error)
	ExchangeDeclare(name, kind string, ticket int) error
	QueueDeclare(name string, exclusive, autoDelete bool, ticket int) (string, error)
	QueueBind(queue, key, exchange string, ticket int) error
	QueueDelete(name string) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyReturn(receiver chan amqp.Return) chan amqp.Return
	Close() error
}

// Client identifies a channel holder. Done closes when the holder goes away.
// HostDown, when non-nil, receives a one-shot notification naming the host
// whose connection died underneath the holder. Returns, when non-nil,
// receives messages the broker could not route.
type Client struct {
	ID       string
	Done     <-chan struct{}
	HostDown chan<- string
	Returns  chan<- amqp.Return
}

func (c Client) alive() bool {
	if c.Done == nil {
		return true
	}
	select {
	case <-c.Done:
		return false
	default:
		return true
	}
}

// Grant is the result of a successful channel open.
type Grant struct {
	Channel Channel
	Ticket  int
}
