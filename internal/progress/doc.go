// Package progress turns query lifecycle notifications into flat events and
// fans them out asynchronously. The Hub registers as a listener on the query
// manager, batches events on a background goroutine and hands the batches to
// pluggable sinks such as Prometheus metrics, the run history store, a
// message publisher or a blob archive.
package progress
