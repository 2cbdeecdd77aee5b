package util

// Batch splits elements into consecutive chunks of at most batchSize elements, preserving order.
// A non-positive batchSize yields a single batch holding everything.
func Batch[T any](elements []T, batchSize int) [][]T {
	if len(elements) == 0 {
		return [][]T{}
	}
	if batchSize <= 0 {
		return [][]T{elements}
	}
	totalBatches := (len(elements) + batchSize - 1) / batchSize
	batches := make([][]T, 0, totalBatches)
	for start := 0; start < len(elements); start += batchSize {
		end := start + batchSize
		if end > len(elements) {
			end = len(elements)
		}
		batches = append(batches, elements[start:end])
	}
	return batches
}
