package amqp

import (
	"sync"

	"github.com/peake100/rogerRecover-go/amqp/topology"
)

// entityOwners maps queue and exchange names to the channel that declared them. It is
// only used to detect entities used outside their declaring channel; registries
// themselves are never shared.
type entityOwners struct {
	lock      sync.Mutex
	queues    map[string]uint64
	exchanges map[string]uint64
}

func newEntityOwners() *entityOwners {
	return &entityOwners{
		queues:    make(map[string]uint64),
		exchanges: make(map[string]uint64),
	}
}

// claimQueue records channelUID as the owner of a queue unless another channel already
// owns it.
func (owners *entityOwners) claimQueue(name string, channelUID uint64) {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	if _, ok := owners.queues[name]; !ok {
		owners.queues[name] = channelUID
	}
}

func (owners *entityOwners) claimExchange(name string, channelUID uint64) {
	if topology.IsPredefinedExchange(name) {
		return
	}

	owners.lock.Lock()
	defer owners.lock.Unlock()

	if _, ok := owners.exchanges[name]; !ok {
		owners.exchanges[name] = channelUID
	}
}

// releaseQueue forgets a deleted queue. It returns false, and keeps the owner, if the
// queue is owned by another channel.
func (owners *entityOwners) releaseQueue(name string, channelUID uint64) bool {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	owner, ok := owners.queues[name]
	if !ok {
		return true
	}
	if owner != channelUID {
		return false
	}
	delete(owners.queues, name)
	return true
}

func (owners *entityOwners) releaseExchange(name string, channelUID uint64) bool {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	owner, ok := owners.exchanges[name]
	if !ok {
		return true
	}
	if owner != channelUID {
		return false
	}
	delete(owners.exchanges, name)
	return true
}

// renameQueue moves ownership of a renamed queue.
func (owners *entityOwners) renameQueue(oldName string, newName string, channelUID uint64) {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	if owners.queues[oldName] == channelUID {
		delete(owners.queues, oldName)
	}
	owners.queues[newName] = channelUID
}

// releaseChannel forgets everything owned by a closed channel.
func (owners *entityOwners) releaseChannel(channelUID uint64) {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	for name, owner := range owners.queues {
		if owner == channelUID {
			delete(owners.queues, name)
		}
	}
	for name, owner := range owners.exchanges {
		if owner == channelUID {
			delete(owners.exchanges, name)
		}
	}
}

// queueOwnedElsewhere returns true if a channel other than channelUID declared the
// queue.
func (owners *entityOwners) queueOwnedElsewhere(name string, channelUID uint64) bool {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	owner, ok := owners.queues[name]
	return ok && owner != channelUID
}

func (owners *entityOwners) exchangeOwnedElsewhere(name string, channelUID uint64) bool {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	owner, ok := owners.exchanges[name]
	return ok && owner != channelUID
}
