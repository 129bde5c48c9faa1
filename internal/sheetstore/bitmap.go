package sheetstore

import "github.com/vertextoedge/relayget/internal/domain"

// PackedLen returns the packed index length for sheetCount sheets
func PackedLen(sheetCount int64) int64 {
	return domain.PackedIndexLen(sheetCount)
}

// Pack packs one flag byte per sheet into 8 sheets per byte, MSB first.
// Bits past the last sheet are zero.
func Pack(bits []byte) []byte {
	packed := make([]byte, PackedLen(int64(len(bits))))
	for i, b := range bits {
		if b != 0 {
			packed[i>>3] |= 0x80 >> uint(i&7)
		}
	}
	return packed
}

// Unpack expands a packed index into one flag byte (0 or 1) per sheet.
// Tail bits past sheetCount are ignored; packed must hold at least
// PackedLen(sheetCount) bytes.
func Unpack(packed []byte, sheetCount int64) []byte {
	bits := make([]byte, sheetCount)
	for i := range bits {
		bits[i] = (packed[i>>3] >> (7 - uint(i&7))) & 0x1
	}
	return bits
}

func popcount(bits []byte) int64 {
	var n int64
	for _, b := range bits {
		if b != 0 {
			n++
		}
	}
	return n
}
