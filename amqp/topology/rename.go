package topology

// RenameQueue points every record that referenced the queue named oldName at newName
// and returns how many records were rewritten.
//
// The local queue record is renamed, which carries every binding and consumer tied
// to it through its QueueRef. References recorded by name alone are rewritten too. No
// other registry is touched: a queue used from a channel other than the one it was
// declared on keeps its old name there.
func (registry *Registry) RenameQueue(oldName string, newName string) int {
	if oldName == newName {
		return 0
	}

	rewritten := 0

	if queue := registry.findQueue(oldName); queue != nil {
		queue.Name = newName
		rewritten++

		for _, binding := range registry.bindings {
			if binding.queue == queue.Ref {
				rewritten++
			}
		}
		for _, consumer := range registry.consumers {
			if consumer.queue == queue.Ref {
				rewritten++
			}
		}
	}

	for _, binding := range registry.bindings {
		if binding.queue == 0 && binding.foreignName == oldName {
			binding.foreignName = newName
			rewritten++
		}
	}
	for _, consumer := range registry.consumers {
		if consumer.queue == 0 && consumer.foreignName == oldName {
			consumer.foreignName = newName
			rewritten++
		}
	}

	return rewritten
}

// RetagConsumer replaces the tag of a consumer after it has been re-registered under a
// newly assigned tag.
func (registry *Registry) RetagConsumer(oldTag string, newTag string) bool {
	for _, consumer := range registry.consumers {
		if consumer.tag == oldTag {
			consumer.tag = newTag
			return true
		}
	}
	return false
}

// References returns the number of records that still refer to a queue by name, either
// through the queue record itself or by a frozen name. Used to verify renames.
func (registry *Registry) References(queueName string) int {
	count := 0
	if queue := registry.findQueue(queueName); queue != nil {
		count++
	}
	for _, binding := range registry.bindings {
		if registry.bindingQueueName(binding) == queueName {
			count++
		}
	}
	for _, consumer := range registry.consumers {
		name := consumer.foreignName
		if queue := registry.queueByRef(consumer.queue); queue != nil {
			name = queue.Name
		}
		if name == queueName {
			count++
		}
	}
	return count
}
