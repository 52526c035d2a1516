package fcd

// Three distinct processor capability sets, each its own interface. The
// kernel keeps one typed slice per kind rather than a single heterogeneous
// list, so dispatch never needs a type switch or reflection.

// TraversalProcessor handles one completed Traversal as it is extracted.
type TraversalProcessor interface {
	Kind() string
	HandleTraversal(t Traversal) error
}

// TimeBasedProcessor receives every update for bookkeeping and fires on its
// own scheduled interval. IntervalNs <= 0 means "never scheduled" and the
// kernel does not register a tick for it.
type TimeBasedProcessor interface {
	Kind() string
	IntervalNs() int64
	HandleUpdate(nowNs int64, b Batch) error
	TriggerEvent(nowNs int64) error
	Shutdown(nowNs int64) error
}

// MessageProcessor handles an arbitrary implementation-specific message.
// No built-in processor of this kind ships with the kernel; it exists so
// configuration can name custom handlers without the registry needing a
// fourth concept.
type MessageProcessor interface {
	Kind() string
	HandleMessage(nowNs int64, payload any) error
}
