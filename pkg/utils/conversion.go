package utils

import (
	"encoding/binary"
	"math"
)

// Os PLCs S7 armazenam dados em big-endian.

// PutFloat32 escreve um REAL (IEEE 754) em buf
func PutFloat32(buf []byte, val float32) {
	binary.BigEndian.PutUint32(buf, math.Float32bits(val))
}

// Float32At lê um REAL (IEEE 754) de buf
func Float32At(buf []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(buf))
}

// PutInt16 escreve um INT em buf
func PutInt16(buf []byte, val int16) {
	binary.BigEndian.PutUint16(buf, uint16(val))
}

// Int16At lê um INT de buf
func Int16At(buf []byte) int16 {
	return int16(binary.BigEndian.Uint16(buf))
}

// PutInt32 escreve um DINT em buf
func PutInt32(buf []byte, val int32) {
	binary.BigEndian.PutUint32(buf, uint32(val))
}

// Int32At lê um DINT de buf
func Int32At(buf []byte) int32 {
	return int32(binary.BigEndian.Uint32(buf))
}

// BitAt retorna o bit (0-7) do byte b
func BitAt(b byte, bit int) bool {
	return b&(1<<uint(bit)) != 0
}

// SetBit retorna b com o bit (0-7) ajustado
func SetBit(b byte, bit int, on bool) byte {
	if on {
		return b | (1 << uint(bit))
	}
	return b &^ (1 << uint(bit))
}
