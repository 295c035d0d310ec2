package protocol

// CRC8Poly is x^8 + x^2 + x + 1.
const CRC8Poly byte = 0x07

// CRC8 computes the frame checksum over data: polynomial 0x07, initial value
// 0x00, no reflection, no final XOR. Bitwise, no lookup table.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ CRC8Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
