// Package microbatch is an in-process streaming engine. Each query runs one
// loop goroutine that, on every trigger, pulls the input that arrived since the
// last commit, applies the query plan (per-row transform, optional windowed
// count with a watermark), writes the result to a sink and reports the batch
// metrics back to the streaming.Manager.
package microbatch
