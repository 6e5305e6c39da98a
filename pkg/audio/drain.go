package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to let a producer goroutine finish after its consumer has gone
// away, e.g. the event stream of a transport that is being closed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
