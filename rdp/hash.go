package rdp

import "lukechampine.com/blake3"

func blake3Sum(data []byte) [32]byte {
	return blake3.Sum256(data)
}
