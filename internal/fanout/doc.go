// Package fanout delivers detection results and injected annotations to the
// subscribers of each stream session. Failed subscribers are pruned on the
// spot so broadcasts never block on broken connections.
package fanout
