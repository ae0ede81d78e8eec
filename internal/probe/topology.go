package probe

import (
	"errors"
	"fmt"
	"os"

	"github.com/peake100/rogerRecover-go/amqp"
	"gopkg.in/yaml.v3"
)

// ExchangeSpec is an exchange of the topology file.
type ExchangeSpec struct {
	Name       string     `yaml:"name"`
	Kind       string     `yaml:"kind"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"auto_delete"`
	Internal   bool       `yaml:"internal"`
	Args       amqp.Table `yaml:"args"`
}

// QueueSpec is a queue of the topology file. A queue with an empty name is named by
// the broker. Its Alias is then used to refer to it from bindings and consumers.
type QueueSpec struct {
	Name       string     `yaml:"name"`
	Alias      string     `yaml:"alias"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"auto_delete"`
	Exclusive  bool       `yaml:"exclusive"`
	Args       amqp.Table `yaml:"args"`
}

// BindingSpec binds a queue to an exchange.
type BindingSpec struct {
	Queue    string     `yaml:"queue"`
	Exchange string     `yaml:"exchange"`
	Key      string     `yaml:"key"`
	Args     amqp.Table `yaml:"args"`
}

// ExchangeBindingSpec binds an exchange to another exchange.
type ExchangeBindingSpec struct {
	Destination string     `yaml:"destination"`
	Source      string     `yaml:"source"`
	Key         string     `yaml:"key"`
	Args        amqp.Table `yaml:"args"`
}

// ConsumerSpec starts a consumer that counts the deliveries of a queue.
type ConsumerSpec struct {
	Queue     string `yaml:"queue"`
	Tag       string `yaml:"tag"`
	Exclusive bool   `yaml:"exclusive"`
}

// QosSpec is the prefetch applied to the probe channel.
type QosSpec struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	PrefetchSize  int  `yaml:"prefetch_size"`
	Global        bool `yaml:"global"`
}

// Topology is the set of entities the probe declares and keeps alive. Everything is
// declared on a single channel so it is recovered as a unit.
type Topology struct {
	Qos              *QosSpec              `yaml:"qos"`
	Exchanges        []ExchangeSpec        `yaml:"exchanges"`
	Queues           []QueueSpec           `yaml:"queues"`
	Bindings         []BindingSpec         `yaml:"bindings"`
	ExchangeBindings []ExchangeBindingSpec `yaml:"exchange_bindings"`
	Consumers        []ConsumerSpec        `yaml:"consumers"`
}

var (
	errMissingExchangeName = errors.New("exchange without a name")
	errMissingAlias        = errors.New("server-named queue without an alias")
	errUnknownQueue        = errors.New("unknown queue")
)

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("error reading topology: %w", err)
	}
	return ParseTopology(raw)
}

// ParseTopology parses and validates a YAML topology document.
func ParseTopology(raw []byte) (Topology, error) {
	var topology Topology
	if err := yaml.Unmarshal(raw, &topology); err != nil {
		return Topology{}, fmt.Errorf("error parsing topology: %w", err)
	}

	if err := topology.validate(); err != nil {
		return Topology{}, err
	}
	return topology, nil
}

// queueRefs returns every name bindings and consumers may refer to a queue by.
func (topology Topology) queueRefs() map[string]bool {
	refs := make(map[string]bool, len(topology.Queues))
	for _, queue := range topology.Queues {
		refs[queue.ref()] = true
	}
	return refs
}

func (queue QueueSpec) ref() string {
	if queue.Name == "" {
		return queue.Alias
	}
	return queue.Name
}

func (topology Topology) validate() error {
	for i, exchange := range topology.Exchanges {
		if exchange.Name == "" {
			return fmt.Errorf("exchanges[%d]: %w", i, errMissingExchangeName)
		}
	}

	for i, queue := range topology.Queues {
		if queue.Name == "" && queue.Alias == "" {
			return fmt.Errorf("queues[%d]: %w", i, errMissingAlias)
		}
	}

	refs := topology.queueRefs()
	for i, binding := range topology.Bindings {
		if !refs[binding.Queue] {
			return fmt.Errorf("bindings[%d]: %w '%v'", i, errUnknownQueue, binding.Queue)
		}
	}
	for i, consumer := range topology.Consumers {
		if !refs[consumer.Queue] {
			return fmt.Errorf("consumers[%d]: %w '%v'", i, errUnknownQueue, consumer.Queue)
		}
	}

	return nil
}

// Declare declares the topology on channel in dependency order and starts its
// consumers with handler. It returns the broker name of every queue keyed by the name
// or alias used in the topology.
func (topology Topology) Declare(
	channel *amqp.Channel, handler func(queue string) amqp.Handler,
) (map[string]string, error) {
	if qos := topology.Qos; qos != nil {
		err := channel.Qos(qos.PrefetchCount, qos.PrefetchSize, qos.Global)
		if err != nil {
			return nil, fmt.Errorf("error applying qos: %w", err)
		}
	}

	for _, exchange := range topology.Exchanges {
		err := channel.ExchangeDeclare(
			exchange.Name,
			exchange.Kind,
			exchange.Durable,
			exchange.AutoDelete,
			exchange.Internal,
			false,
			exchange.Args,
		)
		if err != nil {
			return nil, fmt.Errorf("error declaring exchange '%v': %w", exchange.Name, err)
		}
	}

	names := make(map[string]string, len(topology.Queues))
	for _, queueSpec := range topology.Queues {
		queue, err := channel.QueueDeclare(
			queueSpec.Name,
			queueSpec.Durable,
			queueSpec.AutoDelete,
			queueSpec.Exclusive,
			false,
			queueSpec.Args,
		)
		if err != nil {
			return nil, fmt.Errorf("error declaring queue '%v': %w", queueSpec.ref(), err)
		}
		names[queueSpec.ref()] = queue.Name
	}

	for _, binding := range topology.Bindings {
		err := channel.QueueBind(
			names[binding.Queue], binding.Key, binding.Exchange, false, binding.Args,
		)
		if err != nil {
			return nil, fmt.Errorf(
				"error binding queue '%v' to '%v': %w", binding.Queue, binding.Exchange, err,
			)
		}
	}

	for _, binding := range topology.ExchangeBindings {
		err := channel.ExchangeBind(
			binding.Destination, binding.Key, binding.Source, false, binding.Args,
		)
		if err != nil {
			return nil, fmt.Errorf(
				"error binding exchange '%v' to '%v': %w",
				binding.Destination,
				binding.Source,
				err,
			)
		}
	}

	for _, consumer := range topology.Consumers {
		_, err := channel.Consume(
			names[consumer.Queue],
			consumer.Tag,
			amqp.ConsumeOptions{AutoAck: true, Exclusive: consumer.Exclusive},
			handler(consumer.Queue),
		)
		if err != nil {
			return nil, fmt.Errorf("error consuming from '%v': %w", consumer.Queue, err)
		}
	}

	return names, nil
}
