package internal

// ProgressFunc reports bytes-transferred deltas. Negative deltas roll back
// progress that a retry discarded so totals stay honest.
type ProgressFunc func(deltaBytes int64)

// OperationStartFunc reports that a worker picked up an operation.
type OperationStartFunc func(op FileOperation)
