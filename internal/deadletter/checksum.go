package deadletter

import (
	"encoding/binary"
	"hash/crc32"
)

// checksum 以 CRC32-IEEE 計算 seq 與記錄內容
//
// 涵蓋整筆 letter JSON，任何欄位被竄改或截斷都會被 replay 發現。
func checksum(seq uint64, letter []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(letter)
	return h.Sum32()
}

func verify(r record) bool {
	return r.Checksum == checksum(r.Seq, r.Letter)
}
