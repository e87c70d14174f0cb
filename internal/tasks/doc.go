// Package tasks turns configured pipelines into grid pipelines backed by the
// built-in tasks: log, sleep, fail and fetch.
package tasks
