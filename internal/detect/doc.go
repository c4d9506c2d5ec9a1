// Package detect samples ingested frames for asynchronous smoking
// classification and delivers the results to subscribers in strict frame
// order. The dispatcher gates sampling on subscribers and interval; the
// sequencer holds a slot per dispatched frame so out-of-order completions
// never reach subscribers out of order.
package detect
