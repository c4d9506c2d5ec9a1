// Package scrape resolves user-supplied stream locators, extracting embedded
// HLS playlist URLs from camera viewer pages on a best-effort basis.
package scrape
