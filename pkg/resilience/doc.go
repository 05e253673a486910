// Package resilience wraps unreliable network calls: capped exponential
// retry, an online/offline gate, and a durable FIFO queue replayed in
// enqueue order once connectivity returns.
package resilience
