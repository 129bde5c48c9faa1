package domain

import "fmt"

// SheetCount returns the number of sheets needed to cover size bytes
func SheetCount(size, sheetSize int64) int64 {
	if sheetSize <= 0 || size <= 0 {
		return 0
	}
	return (size + sheetSize - 1) / sheetSize
}

// PackedIndexLen returns the length in bytes of a packed bitmap of sheetCount sheets
func PackedIndexLen(sheetCount int64) int64 {
	return (sheetCount + 7) / 8
}

// SheetRange returns the inclusive byte range [start, end] covered by a sheet
// of a file of the given size. The final sheet may be short.
func SheetRange(sheet, sheetSize, size int64) (start, end int64) {
	start = sheet * sheetSize
	end = start + sheetSize
	if end > size {
		end = size
	}
	return start, end - 1
}

// RangeHeader formats an inclusive byte range the way the transport expects it
func RangeHeader(start, end int64) string {
	return fmt.Sprintf("%d-%d", start, end)
}
