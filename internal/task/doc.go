// Package task implements the local maintenance scheduler: the task data
// model, schedule calculation, serialized mutation, durable persistence with
// snapshot/rollback, and concurrency-capped execution with failure backoff.
//
// The Scheduler is the single owner of the task list. Every mutation is
// funneled through a MutationLock so schedule state can never be read and
// written inconsistently, while executions themselves proceed concurrently
// up to the configured cap.
package task
