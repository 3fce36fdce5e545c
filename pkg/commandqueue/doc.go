// Package commandqueue provides an ordered, single-consumer task loop.
//
// Invariants:
// - Tasks execute one at a time in the order they were submitted.
// - Post never blocks; Enqueue blocks only until its own task finishes or ctx ends.
// - A panicking task is reported as an error and does not stop the loop.
// - Close runs tasks that were already queued, with a cancelled context.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{Name: "engine"})
//	defer queue.Close()
//	queue.Post(func(ctx context.Context) (interface{}, error) {
//		return nil, handle(ctx, msg)
//	})
package commandqueue
