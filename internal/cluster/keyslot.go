package cluster

import "strings"

// NumSlots is the size of the cluster hash space. Every key maps to exactly
// one slot in [0, NumSlots).
const NumSlots = 16384

// crc16Table is the lookup table for CRC16-CCITT (XMODEM), polynomial 0x1021.
var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc16(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^s[i]]
	}
	return crc
}

// KeySlot returns the hash slot for a key.
//
// If the key contains a non-empty hash tag ("{...}"), only the tag content
// is hashed, so "{user:1}.name" and "{user:1}.email" land in the same slot.
//
// Example:
//
//	KeySlot("foo")            // 12182
//	KeySlot("{user:1}.name")  // same as KeySlot("user:1")
func KeySlot(key string) int {
	if open := strings.IndexByte(key, '{'); open >= 0 {
		if end := strings.IndexByte(key[open+1:], '}'); end > 0 {
			key = key[open+1 : open+1+end]
		}
	}
	return int(crc16(key)) & (NumSlots - 1)
}

// ValidSlot reports whether slot is inside the hash space.
func ValidSlot(slot int) bool {
	return slot >= 0 && slot < NumSlots
}
