package protocol

import "hash/crc32"

// Record batches checksum with CRC-32C (Castagnoli).
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC over b, as stored in the v2 record
// batch header.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
