package crypto

// Zero overwrites a byte slice in memory with zeros. Call it on every
// wrapping key and master key copy as soon as it is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
