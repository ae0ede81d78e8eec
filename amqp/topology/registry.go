package topology

import (
	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// bindingRecord is the stored form of a Binding. The queue name is only stored for
// queues declared on another channel.
type bindingRecord struct {
	queue        QueueRef
	foreignName  string
	exchange     string
	key          string
	args         transport.Table
	crossChannel bool
}

// consumerRecord is the stored form of a Consumer.
type consumerRecord struct {
	tag          string
	serverTag    bool
	queue        QueueRef
	foreignName  string
	autoAck      bool
	exclusive    bool
	noLocal      bool
	args         transport.Table
	handler      transport.Handler
	crossChannel bool
}

// Registry holds every entity declared on one channel, in declaration order.
type Registry struct {
	exchanges        []*Exchange
	queues           []*Queue
	bindings         []*bindingRecord
	exchangeBindings []*ExchangeBinding
	consumers        []*consumerRecord

	// lastRef is the most recently issued QueueRef.
	lastRef QueueRef
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return new(Registry)
}

// Reset discards every record.
func (registry *Registry) Reset() {
	registry.exchanges = nil
	registry.queues = nil
	registry.bindings = nil
	registry.exchangeBindings = nil
	registry.consumers = nil
}

// IsEmpty returns true if the registry holds no records.
func (registry *Registry) IsEmpty() bool {
	return len(registry.exchanges) == 0 &&
		len(registry.queues) == 0 &&
		len(registry.bindings) == 0 &&
		len(registry.exchangeBindings) == 0 &&
		len(registry.consumers) == 0
}

// EXCHANGES
// ---------

// RecordExchange stores a successful exchange declaration. Predefined exchanges are
// not stored and false is returned for them.
func (registry *Registry) RecordExchange(args transport.ArgsExchangeDeclare) bool {
	if IsPredefinedExchange(args.Name) {
		return false
	}

	record := &Exchange{
		Name:       args.Name,
		Kind:       args.Kind,
		Durable:    args.Durable,
		AutoDelete: args.AutoDelete,
		Internal:   args.Internal,
		Args:       args.Args.Copy(),
	}

	for i, existing := range registry.exchanges {
		if existing.Name == args.Name {
			registry.exchanges[i] = record
			return true
		}
	}

	registry.exchanges = append(registry.exchanges, record)
	return true
}

// HasExchange returns true if an exchange with name has been recorded.
func (registry *Registry) HasExchange(name string) bool {
	for _, existing := range registry.exchanges {
		if existing.Name == name {
			return true
		}
	}
	return false
}

// DeleteExchange removes an exchange together with every queue binding and exchange
// binding it takes part in.
func (registry *Registry) DeleteExchange(name string) {
	exchanges := registry.exchanges[:0]
	for _, existing := range registry.exchanges {
		if existing.Name != name {
			exchanges = append(exchanges, existing)
		}
	}
	registry.exchanges = exchanges

	bindings := registry.bindings[:0]
	for _, binding := range registry.bindings {
		if binding.exchange != name {
			bindings = append(bindings, binding)
		}
	}
	registry.bindings = bindings

	exchangeBindings := registry.exchangeBindings[:0]
	for _, binding := range registry.exchangeBindings {
		if binding.Source != name && binding.Destination != name {
			exchangeBindings = append(exchangeBindings, binding)
		}
	}
	registry.exchangeBindings = exchangeBindings
}

// Exchanges returns a copy of every recorded exchange in declaration order.
func (registry *Registry) Exchanges() []Exchange {
	exchanges := make([]Exchange, 0, len(registry.exchanges))
	for _, exchange := range registry.exchanges {
		exchanges = append(exchanges, *exchange)
	}
	return exchanges
}

// deleteAutoDeleteExchange drops an auto-delete exchange once nothing is bound to it
// any more, since the broker will have removed it as well.
func (registry *Registry) deleteAutoDeleteExchange(name string) {
	var exchange *Exchange
	for _, existing := range registry.exchanges {
		if existing.Name == name {
			exchange = existing
			break
		}
	}
	if exchange == nil || !exchange.AutoDelete {
		return
	}

	for _, binding := range registry.bindings {
		if binding.exchange == name {
			return
		}
	}
	for _, binding := range registry.exchangeBindings {
		if binding.Source == name {
			return
		}
	}

	registry.DeleteExchange(name)
}

// QUEUES
// ------

// RecordQueue stores a successful queue declaration. declaredName is the name the
// broker returned, which differs from args.Name for server-named queues.
func (registry *Registry) RecordQueue(
	args transport.ArgsQueueDeclare, declaredName string,
) Queue {
	if declaredName == "" {
		declaredName = args.Name
	}

	record := &Queue{
		Name:        declaredName,
		ServerNamed: args.Name == "",
		Durable:     args.Durable,
		AutoDelete:  args.AutoDelete,
		Exclusive:   args.Exclusive,
		Args:        args.Args.Copy(),
	}

	// A re-declaration keeps its place and its reference so existing bindings and
	// consumers still resolve.
	if existing := registry.findQueue(declaredName); existing != nil {
		record.Ref = existing.Ref
		record.ServerNamed = record.ServerNamed || existing.ServerNamed
		*existing = *record
		return *existing
	}

	registry.lastRef++
	record.Ref = registry.lastRef
	registry.queues = append(registry.queues, record)
	return *record
}

// findQueue returns the queue currently named name, or nil.
func (registry *Registry) findQueue(name string) *Queue {
	for _, queue := range registry.queues {
		if queue.Name == name {
			return queue
		}
	}
	return nil
}

// queueByRef returns the queue for ref, or nil.
func (registry *Registry) queueByRef(ref QueueRef) *Queue {
	if ref == 0 {
		return nil
	}
	for _, queue := range registry.queues {
		if queue.Ref == ref {
			return queue
		}
	}
	return nil
}

// LookupQueue returns the record for the queue currently named name.
func (registry *Registry) LookupQueue(name string) (Queue, bool) {
	queue := registry.findQueue(name)
	if queue == nil {
		return Queue{}, false
	}
	return *queue, true
}

// Queue returns the record for ref.
func (registry *Registry) Queue(ref QueueRef) (Queue, bool) {
	queue := registry.queueByRef(ref)
	if queue == nil {
		return Queue{}, false
	}
	return *queue, true
}

// Queues returns a copy of every recorded queue in declaration order.
func (registry *Registry) Queues() []Queue {
	queues := make([]Queue, 0, len(registry.queues))
	for _, queue := range registry.queues {
		queues = append(queues, *queue)
	}
	return queues
}

// DeleteQueue removes a queue together with its bindings and consumers. Foreign
// references with the same name are removed as well.
func (registry *Registry) DeleteQueue(name string) {
	var ref QueueRef
	queues := registry.queues[:0]
	for _, queue := range registry.queues {
		if queue.Name == name {
			ref = queue.Ref
			continue
		}
		queues = append(queues, queue)
	}
	registry.queues = queues

	matches := func(queue QueueRef, foreignName string) bool {
		if ref != 0 && queue == ref {
			return true
		}
		return queue == 0 && foreignName == name
	}

	var unboundExchanges []string
	bindings := registry.bindings[:0]
	for _, binding := range registry.bindings {
		if matches(binding.queue, binding.foreignName) {
			unboundExchanges = append(unboundExchanges, binding.exchange)
			continue
		}
		bindings = append(bindings, binding)
	}
	registry.bindings = bindings

	consumers := registry.consumers[:0]
	for _, consumer := range registry.consumers {
		if !matches(consumer.queue, consumer.foreignName) {
			consumers = append(consumers, consumer)
		}
	}
	registry.consumers = consumers

	for _, exchange := range unboundExchanges {
		registry.deleteAutoDeleteExchange(exchange)
	}
}

// BINDINGS
// --------

// RecordBinding stores a successful queue binding. Bindings to queues declared on this
// channel are tied to the queue record, others keep args.Name.
func (registry *Registry) RecordBinding(args transport.ArgsQueueBind, crossChannel bool) {
	record := &bindingRecord{
		exchange:     args.Exchange,
		key:          args.Key,
		args:         args.Args.Copy(),
		crossChannel: crossChannel,
	}

	if queue := registry.findQueue(args.Name); queue != nil {
		record.queue = queue.Ref
	} else {
		record.foreignName = args.Name
	}

	for i, existing := range registry.bindings {
		if registry.bindingQueueName(existing) == args.Name &&
			existing.exchange == args.Exchange &&
			existing.key == args.Key {
			registry.bindings[i] = record
			return
		}
	}

	registry.bindings = append(registry.bindings, record)
}

// DeleteBinding removes the binding matching args.
func (registry *Registry) DeleteBinding(args transport.ArgsQueueUnbind) {
	removed := false
	bindings := registry.bindings[:0]
	for _, binding := range registry.bindings {
		if registry.bindingQueueName(binding) == args.Name &&
			binding.exchange == args.Exchange &&
			binding.key == args.Key {
			removed = true
			continue
		}
		bindings = append(bindings, binding)
	}
	registry.bindings = bindings

	if removed {
		registry.deleteAutoDeleteExchange(args.Exchange)
	}
}

func (registry *Registry) bindingQueueName(binding *bindingRecord) string {
	if queue := registry.queueByRef(binding.queue); queue != nil {
		return queue.Name
	}
	return binding.foreignName
}

func (registry *Registry) resolveBinding(binding *bindingRecord) Binding {
	return Binding{
		Queue:        binding.queue,
		QueueName:    registry.bindingQueueName(binding),
		Exchange:     binding.exchange,
		Key:          binding.key,
		Args:         binding.args.Copy(),
		CrossChannel: binding.crossChannel,
	}
}

// Bindings returns every queue binding in the order they were made.
func (registry *Registry) Bindings() []Binding {
	bindings := make([]Binding, 0, len(registry.bindings))
	for _, binding := range registry.bindings {
		bindings = append(bindings, registry.resolveBinding(binding))
	}
	return bindings
}

// BindingsOf returns the bindings of the local queue ref. Passing 0 returns the
// bindings of queues not declared on this channel.
func (registry *Registry) BindingsOf(ref QueueRef) []Binding {
	var bindings []Binding
	for _, binding := range registry.bindings {
		if binding.queue == ref {
			bindings = append(bindings, registry.resolveBinding(binding))
		}
	}
	return bindings
}

// RecordExchangeBinding stores a successful exchange-to-exchange binding.
func (registry *Registry) RecordExchangeBinding(
	args transport.ArgsExchangeBind, crossChannel bool,
) {
	record := &ExchangeBinding{
		Destination:  args.Destination,
		Key:          args.Key,
		Source:       args.Source,
		Args:         args.Args.Copy(),
		CrossChannel: crossChannel,
	}

	for i, existing := range registry.exchangeBindings {
		if existing.Destination == args.Destination &&
			existing.Source == args.Source &&
			existing.Key == args.Key {
			registry.exchangeBindings[i] = record
			return
		}
	}

	registry.exchangeBindings = append(registry.exchangeBindings, record)
}

// DeleteExchangeBinding removes the exchange binding matching args.
func (registry *Registry) DeleteExchangeBinding(args transport.ArgsExchangeUnbind) {
	removed := false
	bindings := registry.exchangeBindings[:0]
	for _, binding := range registry.exchangeBindings {
		if binding.Destination == args.Destination &&
			binding.Source == args.Source &&
			binding.Key == args.Key {
			removed = true
			continue
		}
		bindings = append(bindings, binding)
	}
	registry.exchangeBindings = bindings

	if removed {
		registry.deleteAutoDeleteExchange(args.Source)
	}
}

// ExchangeBindings returns every exchange binding in the order they were made.
func (registry *Registry) ExchangeBindings() []ExchangeBinding {
	bindings := make([]ExchangeBinding, 0, len(registry.exchangeBindings))
	for _, binding := range registry.exchangeBindings {
		bindings = append(bindings, *binding)
	}
	return bindings
}

// CONSUMERS
// ---------

// RecordConsumer stores a successful consumer registration. tag is the effective tag
// returned by the transport; args.Consumer being empty marks it as server-assigned.
func (registry *Registry) RecordConsumer(
	args transport.ArgsConsume,
	tag string,
	handler transport.Handler,
	crossChannel bool,
) Consumer {
	record := &consumerRecord{
		tag:          tag,
		serverTag:    args.Consumer == "",
		autoAck:      args.AutoAck,
		exclusive:    args.Exclusive,
		noLocal:      args.NoLocal,
		args:         args.Args.Copy(),
		handler:      handler,
		crossChannel: crossChannel,
	}

	if queue := registry.findQueue(args.Queue); queue != nil {
		record.queue = queue.Ref
	} else {
		record.foreignName = args.Queue
	}

	replaced := false
	for i, existing := range registry.consumers {
		if existing.tag == tag {
			registry.consumers[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		registry.consumers = append(registry.consumers, record)
	}

	return registry.resolveConsumer(record)
}

// DeleteConsumer removes the consumer with tag and returns it. Cancelling the last
// consumer of an auto-delete queue also removes the queue, mirroring the broker.
func (registry *Registry) DeleteConsumer(tag string) (Consumer, bool) {
	var removed *consumerRecord
	consumers := registry.consumers[:0]
	for _, consumer := range registry.consumers {
		if consumer.tag == tag {
			removed = consumer
			continue
		}
		consumers = append(consumers, consumer)
	}
	registry.consumers = consumers

	if removed == nil {
		return Consumer{}, false
	}

	result := registry.resolveConsumer(removed)

	queue := registry.queueByRef(removed.queue)
	if queue != nil && queue.AutoDelete && len(registry.ConsumersOf(queue.Ref)) == 0 {
		registry.DeleteQueue(queue.Name)
	}

	return result, true
}

// Consumer returns the consumer currently registered under tag.
func (registry *Registry) Consumer(tag string) (Consumer, bool) {
	for _, consumer := range registry.consumers {
		if consumer.tag == tag {
			return registry.resolveConsumer(consumer), true
		}
	}
	return Consumer{}, false
}

func (registry *Registry) resolveConsumer(consumer *consumerRecord) Consumer {
	queueName := consumer.foreignName
	if queue := registry.queueByRef(consumer.queue); queue != nil {
		queueName = queue.Name
	}

	return Consumer{
		Tag:          consumer.tag,
		ServerTag:    consumer.serverTag,
		Queue:        consumer.queue,
		QueueName:    queueName,
		AutoAck:      consumer.autoAck,
		Exclusive:    consumer.exclusive,
		NoLocal:      consumer.noLocal,
		Args:         consumer.args.Copy(),
		Handler:      consumer.handler,
		CrossChannel: consumer.crossChannel,
	}
}

// Consumers returns every consumer in registration order.
func (registry *Registry) Consumers() []Consumer {
	consumers := make([]Consumer, 0, len(registry.consumers))
	for _, consumer := range registry.consumers {
		consumers = append(consumers, registry.resolveConsumer(consumer))
	}
	return consumers
}

// ConsumersOf returns the consumers of the local queue ref. Passing 0 returns the
// consumers of queues not declared on this channel.
func (registry *Registry) ConsumersOf(ref QueueRef) []Consumer {
	var consumers []Consumer
	for _, consumer := range registry.consumers {
		if consumer.queue == ref {
			consumers = append(consumers, registry.resolveConsumer(consumer))
		}
	}
	return consumers
}
