package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a consumer stops caring about a
// streaming channel (e.g. the chunk channel of a stopped capture pipeline or
// the event channel of a closed live session).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
