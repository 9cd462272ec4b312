// Package service contains the application services that sit between the
// HTTP handlers and the stores. Services own the task lifecycle rules:
// what a submission must look like, when a task may be cancelled or
// deleted, and the order in which artifacts and records are removed.
package service
