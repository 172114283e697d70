package collector

import (
	"encoding/binary"
	"fmt"
	"math"

	"scada-gateway/internal/registry"
)

// decodeRegisters reinterprets big-endian register bytes per data type.
// Unknown types fall back to the first word as an unsigned integer.
func decodeRegisters(data []byte, dt registry.DataType) (float64, error) {
	need := int(dt.RegisterCount()) * 2
	if len(data) < need {
		return 0, fmt.Errorf("insufficient data for %s: got %d bytes, need %d", dt, len(data), need)
	}

	switch dt {
	case registry.TypeUint16:
		return float64(binary.BigEndian.Uint16(data[:2])), nil
	case registry.TypeInt16:
		return float64(int16(binary.BigEndian.Uint16(data[:2]))), nil
	case registry.TypeUint32:
		return float64(binary.BigEndian.Uint32(data[:4])), nil
	case registry.TypeInt32:
		return float64(int32(binary.BigEndian.Uint32(data[:4]))), nil
	case registry.TypeFloat32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data[:4]))), nil
	case registry.TypeBoolean:
		return boolToFloat(binary.BigEndian.Uint16(data[:2]) != 0), nil
	default:
		return float64(binary.BigEndian.Uint16(data[:2])), nil
	}
}

// decodeBit returns the first coil/discrete input bit as 0 or 1.
func decodeBit(data []byte) float64 {
	return boolToFloat(len(data) > 0 && data[0]&0x01 == 0x01)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
