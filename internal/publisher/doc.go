// Package publisher holds the message publishers that carry query lifecycle
// events off-process. Payloads that implement Attributed contribute message
// attributes (event kind, run id) alongside their JSON body, and payloads that
// implement Ordered are delivered in order with others sharing their key.
package publisher

// Attributed is implemented by payloads that carry message attributes.
type Attributed interface {
	Attributes() map[string]string
}

// Ordered is implemented by payloads that must keep their relative order, such
// as the lifecycle events of one run.
type Ordered interface {
	OrderingKey() string
}
