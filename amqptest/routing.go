package amqptest

import (
	"reflect"
	"strings"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// routeLocked enqueues msg on every queue exchange routes key to, following exchange
// bindings, and returns the number of queues reached.
func (broker *Broker) routeLocked(exchange string, key string, msg transport.Publishing) int {
	queues := make(map[string]bool)
	broker.collectRoutesLocked(exchange, key, msg.Headers, queues, make(map[string]bool))

	for name := range queues {
		queue := broker.queues[name]
		queue.messages = append(queue.messages, message{
			exchange: exchange,
			key:      key,
			msg:      msg,
		})
		broker.dispatchLocked(queue)
	}
	return len(queues)
}

func (broker *Broker) collectRoutesLocked(
	exchangeName string,
	key string,
	headers transport.Table,
	queues map[string]bool,
	visited map[string]bool,
) {
	if visited[exchangeName] {
		return
	}
	visited[exchangeName] = true

	exchange, ok := broker.exchanges[exchangeName]
	if !ok {
		return
	}

	// The default exchange routes straight to the queue named by the key.
	if exchangeName == "" {
		if _, ok := broker.queues[key]; ok {
			queues[key] = true
		}
		return
	}

	for _, binding := range broker.bindings {
		if binding.exchange != exchangeName {
			continue
		}
		if routes(exchange.args.Kind, binding.key, binding.args, key, headers) {
			queues[binding.queue] = true
		}
	}

	for _, binding := range broker.exchangeBindings {
		if binding.source != exchangeName {
			continue
		}
		if routes(exchange.args.Kind, binding.key, binding.args, key, headers) {
			broker.collectRoutesLocked(binding.destination, key, headers, queues, visited)
		}
	}
}

func routes(
	kind string,
	bindingKey string,
	bindingArgs transport.Table,
	key string,
	headers transport.Table,
) bool {
	switch kind {
	case "fanout":
		return true
	case "topic":
		return topicMatches(strings.Split(bindingKey, "."), strings.Split(key, "."))
	case "headers":
		return headersMatch(bindingArgs, headers)
	default:
		return bindingKey == key
	}
}

// topicMatches matches routing key words against a binding pattern, where '*' is
// exactly one word and '#' is zero or more.
func topicMatches(pattern []string, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for skip := 0; skip <= len(words); skip++ {
			if topicMatches(pattern[1:], words[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatches(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatches(pattern[1:], words[1:])
	}
}

func headersMatch(bindingArgs transport.Table, headers transport.Table) bool {
	matchAny := bindingArgs["x-match"] == "any"

	required := 0
	matched := 0
	for field, want := range bindingArgs {
		if strings.HasPrefix(field, "x-") {
			continue
		}
		required++
		if got, ok := headers[field]; ok && reflect.DeepEqual(got, want) {
			matched++
		}
	}

	if matchAny {
		return matched > 0
	}
	return matched == required
}

// dispatchLocked hands queued messages to consumers round-robin until the queue is
// empty or every consumer's buffer is full.
func (broker *Broker) dispatchLocked(queue *queueState) {
	for len(queue.messages) > 0 && len(queue.consumers) > 0 {
		delivered := false
		for attempt := 0; attempt < len(queue.consumers); attempt++ {
			consumer := queue.consumers[queue.next%len(queue.consumers)]
			queue.next++
			if deliverLocked(consumer, queue.messages[0]) {
				delivered = true
				break
			}
		}
		if !delivered {
			return
		}
		queue.messages = queue.messages[1:]
	}
}

func deliverLocked(consumer *consumerState, queued message) bool {
	channel := consumer.channel
	channel.lastDeliveryTag++

	delivery := transport.Delivery{
		Acknowledger:  channel,
		Headers:       queued.msg.Headers,
		ContentType:   queued.msg.ContentType,
		CorrelationId: queued.msg.CorrelationId,
		ReplyTo:       queued.msg.ReplyTo,
		MessageId:     queued.msg.MessageId,
		Timestamp:     queued.msg.Timestamp,
		Type:          queued.msg.Type,
		AppId:         queued.msg.AppId,
		ConsumerTag:   consumer.tag,
		DeliveryTag:   channel.lastDeliveryTag,
		Exchange:      queued.exchange,
		RoutingKey:    queued.key,
		Body:          queued.msg.Body,
	}

	select {
	case consumer.deliveries <- delivery:
		return true
	default:
		channel.lastDeliveryTag--
		return false
	}
}

func tablesEqual(left transport.Table, right transport.Table) bool {
	if len(left) == 0 && len(right) == 0 {
		return true
	}
	return reflect.DeepEqual(left, right)
}
