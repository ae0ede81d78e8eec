package topology

import (
	"testing"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/stretchr/testify/assert"
)

func TestRename0010_RewritesBindingsAndConsumers(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	queue := registry.RecordQueue(transport.ArgsQueueDeclare{Exclusive: true}, "amq.gen-old")
	registry.RecordBinding(
		transport.ArgsQueueBind{Name: "amq.gen-old", Exchange: "events", Key: "b1"}, false,
	)
	registry.RecordBinding(
		transport.ArgsQueueBind{Name: "amq.gen-old", Exchange: "events", Key: "b2"}, false,
	)
	registry.RecordConsumer(
		transport.ArgsConsume{Queue: "amq.gen-old"}, "ctag-1", nil, false,
	)

	rewritten := registry.RenameQueue("amq.gen-old", "amq.gen-new")
	assert.Equal(4, rewritten, "queue, two bindings and a consumer")

	renamed, ok := registry.Queue(queue.Ref)
	if !assert.True(ok) {
		t.FailNow()
	}
	assert.Equal("amq.gen-new", renamed.Name)

	for _, binding := range registry.Bindings() {
		assert.Equal("amq.gen-new", binding.QueueName)
	}
	for _, consumer := range registry.Consumers() {
		assert.Equal("amq.gen-new", consumer.QueueName)
	}

	assert.Zero(registry.References("amq.gen-old"), "no record references old name")
	assert.Equal(4, registry.References("amq.gen-new"))
}

func TestRename0020_RewritesFrozenNames(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.RecordBinding(
		transport.ArgsQueueBind{Name: "amq.gen-old", Exchange: "events"}, false,
	)

	assert.Equal(1, registry.RenameQueue("amq.gen-old", "amq.gen-new"))
	assert.Equal("amq.gen-new", registry.Bindings()[0].QueueName)
}

func TestRename0030_OtherRegistryUntouched(t *testing.T) {
	assert := assert.New(t)

	owner := NewRegistry()
	owner.RecordQueue(transport.ArgsQueueDeclare{}, "amq.gen-old")

	other := NewRegistry()
	other.RecordConsumer(transport.ArgsConsume{Queue: "amq.gen-old"}, "ctag-1", nil, true)

	owner.RenameQueue("amq.gen-old", "amq.gen-new")

	consumers := other.Consumers()
	if !assert.Len(consumers, 1) {
		t.FailNow()
	}
	assert.Equal("amq.gen-old", consumers[0].QueueName, "stale on the other channel")
	assert.True(consumers[0].CrossChannel)
}

func TestRename0040_SameNameNoop(t *testing.T) {
	registry := NewRegistry()
	registry.RecordQueue(transport.ArgsQueueDeclare{Name: "jobs"}, "jobs")
	assert.Zero(t, registry.RenameQueue("jobs", "jobs"))
}

func TestRename0050_RetagConsumer(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.RecordConsumer(transport.ArgsConsume{Queue: "jobs"}, "ctag-1", nil, false)

	assert.True(registry.RetagConsumer("ctag-1", "ctag-2"))
	assert.False(registry.RetagConsumer("ctag-1", "ctag-3"), "old tag gone")

	_, ok := registry.Consumer("ctag-2")
	assert.True(ok)
}
