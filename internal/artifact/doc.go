// Package artifact manages the on-disk layout of per-task working
// directories: allocating them, staging uploads into them, extracting
// dataset archives, packaging outputs, and purging everything when a
// task is deleted.
package artifact
