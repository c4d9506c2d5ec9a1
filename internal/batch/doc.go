// Package batch runs offline whole-video detection jobs. A job samples the
// uploaded video every few seconds, classifies the samples concurrently, and
// folds the verdicts with a windowed majority-of-majorities vote.
package batch
