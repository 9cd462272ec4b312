// Package ml runs fine-tune and validation jobs against an external
// trainer process, reporting progress as the run advances. A simulator
// implementation stands in for the trainer in development and tests.
package ml
