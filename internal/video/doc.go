// Package video abstracts frame decoding, per-session video sinks, and pull
// sources behind small interfaces, with a gocv-backed implementation.
// The streaming engine depends only on the interfaces so it can be tested
// without native OpenCV bindings.
package video
