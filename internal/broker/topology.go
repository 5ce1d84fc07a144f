package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeDirect   = "realtime.direct"
	ExchangeEvents   = "realtime.events"
	ExchangePresence = "realtime.presence"

	queuePrefix = "realtime.gateway."
)

// topicBindings are the patterns every gateway queue receives from the topic exchange.
var topicBindings = []string{
	"user.*",
	"notification.*",
	"message.*",
	"match.*",
	"presence.*",
	"room.#",
}

type exchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// Topology is the broker layout one gateway process declares. Built once at boot, immutable afterwards.
type Topology struct {
	Exchanges   []exchangeSpec
	Queue       string
	QueueExpiry time.Duration
	Bindings    []Binding
}

type Binding struct {
	Exchange   string
	RoutingKey string
}

func NewTopology(serverID string, queueExpiry time.Duration) Topology {
	t := Topology{
		Exchanges: []exchangeSpec{
			{Name: ExchangeDirect, Kind: amqp.ExchangeDirect, Durable: true},
			{Name: ExchangeEvents, Kind: amqp.ExchangeTopic, Durable: true},
			{Name: ExchangePresence, Kind: amqp.ExchangeFanout, Durable: false},
		},
		Queue:       queuePrefix + serverID,
		QueueExpiry: queueExpiry,
	}
	for _, key := range topicBindings {
		t.Bindings = append(t.Bindings, Binding{Exchange: ExchangeEvents, RoutingKey: key})
	}
	t.Bindings = append(t.Bindings, Binding{Exchange: ExchangePresence, RoutingKey: ""})
	return t
}

// declarer is the subset of *amqp.Channel used for topology management.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
}

// Declare creates exchanges, the process queue and its static bindings. Safe to repeat after a reconnect.
func (t Topology) Declare(ch declarer) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, !ex.Durable, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	var args amqp.Table
	if t.QueueExpiry > 0 {
		args = amqp.Table{"x-expires": t.QueueExpiry.Milliseconds()}
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}

	for _, b := range t.Bindings {
		if err := ch.QueueBind(t.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s/%q: %w", t.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	return nil
}
