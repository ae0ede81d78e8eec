package transport

// ArgsQos stores args to Channel.Qos().
type ArgsQos struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

// ArgsExchangeDeclare stores args to Channel.ExchangeDeclare().
type ArgsExchangeDeclare struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// ArgsExchangeDelete stores args to Channel.ExchangeDelete().
type ArgsExchangeDelete struct {
	Name     string
	IfUnused bool
	NoWait   bool
}

// ArgsExchangeBind stores args to Channel.ExchangeBind().
type ArgsExchangeBind struct {
	Destination string
	Key         string
	Source      string
	NoWait      bool
	Args        Table
}

// ArgsExchangeUnbind stores args to Channel.ExchangeUnbind().
type ArgsExchangeUnbind struct {
	Destination string
	Key         string
	Source      string
	NoWait      bool
	Args        Table
}

// ArgsQueueDeclare stores args to Channel.QueueDeclare().
type ArgsQueueDeclare struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       Table
}

// ArgsQueueDelete stores args to Channel.QueueDelete().
type ArgsQueueDelete struct {
	Name     string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// ArgsQueueBind stores args to Channel.QueueBind().
type ArgsQueueBind struct {
	Name     string
	Key      string
	Exchange string
	NoWait   bool
	Args     Table
}

// ArgsQueueUnbind stores args to Channel.QueueUnbind().
type ArgsQueueUnbind struct {
	Name     string
	Key      string
	Exchange string
	Args     Table
}

// ArgsConsume stores args to Channel.Consume().
type ArgsConsume struct {
	Queue     string
	Consumer  string
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// ArgsPublish stores args to Channel.Publish().
type ArgsPublish struct {
	Exchange  string
	Key       string
	Mandatory bool
	Immediate bool
	Msg       Publishing
}
