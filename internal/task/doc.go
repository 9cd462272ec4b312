// Package task implements the background job engine: the dispatch
// broker, the worker pool that drives ML runs, startup recovery, and
// the translation from stored task records to trainer invocations.
package task
