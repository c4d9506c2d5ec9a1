// Package config provides configuration loading and validation for the smoking
// detection service. It handles YAML-based configuration with struct validation,
// optional .env loading, and a CLASSIFIER_API_KEY environment override.
package config
