package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel is abandoned
// mid-stream (e.g., a chat stream that reported an error before closing).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
