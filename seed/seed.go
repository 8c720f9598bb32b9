package seed

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
)

// Generate returns seed when one was supplied, otherwise a random value in
// [0, 65535]. Negative seeds count as not supplied.
func Generate(seed *int64) int64 {
	var retv int64
	if seed != nil && *seed >= 0 {
		retv = *seed
	} else {
		retv = random16()
	}
	slog.Info("Using seed", "seed", retv)
	return retv
}

func random16() int64 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return int64(binary.BigEndian.Uint16(b[:]))
}
