// Package ingest moves frames from producers into a session: decode,
// exclusive video sink, latest-frame cache, and the classification sampling
// hook. The push pipeline accepts producer-submitted frames; the puller reads
// remote streams at source pace. Each session has exactly one ingestion
// goroutine, which keeps frame order and sink ownership trivial.
package ingest
