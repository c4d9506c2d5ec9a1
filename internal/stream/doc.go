// Package stream provides stream session management and lifecycle handling.
// It tracks concurrent video sessions, owns their status transitions
// (initializing, streaming, closing, stopped, error), and performs the
// bounded-grace drain when sessions close.
package stream
