package registry

import (
	"fmt"
	"strings"

	"scada-gateway/internal/model"
)

// FunctionCode selects the Modbus read semantics of a tag.
type FunctionCode uint8

const (
	FuncCoil            FunctionCode = 1
	FuncDiscreteInput   FunctionCode = 2
	FuncHoldingRegister FunctionCode = 3
	FuncInputRegister   FunctionCode = 4
)

func (f FunctionCode) String() string {
	switch f {
	case FuncCoil:
		return "coil"
	case FuncDiscreteInput:
		return "discrete"
	case FuncHoldingRegister:
		return "holding"
	case FuncInputRegister:
		return "input"
	default:
		return fmt.Sprintf("fc%d", uint8(f))
	}
}

// IsBit reports whether the function code reads single bits rather than 16-bit words.
func (f FunctionCode) IsBit() bool { return f == FuncCoil || f == FuncDiscreteInput }

// DataType is how register words are reinterpreted.
type DataType string

const (
	TypeUint16  DataType = "uint16"
	TypeInt16   DataType = "int16"
	TypeUint32  DataType = "uint32"
	TypeInt32   DataType = "int32"
	TypeFloat32 DataType = "float32"
	TypeBoolean DataType = "boolean"
)

// RegisterCount is the number of 16-bit registers a value of this type spans.
func (d DataType) RegisterCount() uint16 {
	switch d {
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

// TargetKind identifies the operational log a tag feeds, if any.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetTransformer
	TargetGenerator
)

const (
	tableTransformerLogs = "transformer_logs"
	tableGeneratorLogs   = "generator_logs"

	defaultTransformerNumber = 1
)

// Target is resolved once per load from target_table/target_field.
type Target struct {
	Kind              TargetKind
	TransformerNumber int
	Field             string
}

// Tag is the immutable, validated form of a TagMapping held in a registry snapshot.
type Tag struct {
	ID            string
	Name          string
	Unit          string
	Address       uint16
	FunctionCode  FunctionCode
	DataType      DataType
	ScalingFactor float64
	Offset        float64
	AlarmHigh     *float64
	AlarmLow      *float64
	MinValue      *float64
	MaxValue      *float64
	Target        Target
	Priority      int
}

// FromMapping validates a stored mapping and resolves its operational-log target.
func FromMapping(m model.TagMapping) (Tag, error) {
	if m.ID == "" {
		return Tag{}, fmt.Errorf("tag %q: empty id", m.TagName)
	}
	if m.ModbusAddress < 0 || m.ModbusAddress > 0xFFFF {
		return Tag{}, fmt.Errorf("tag %q: address %d out of range", m.TagName, m.ModbusAddress)
	}
	fc := FunctionCode(m.ModbusFunctionCode)
	if fc < FuncCoil || fc > FuncInputRegister {
		return Tag{}, fmt.Errorf("tag %q: unsupported function code %d", m.TagName, m.ModbusFunctionCode)
	}
	dt := DataType(strings.ToLower(strings.TrimSpace(m.DataType)))
	if !fc.IsBit() && dt.RegisterCount() == 2 && m.ModbusAddress == 0xFFFF {
		return Tag{}, fmt.Errorf("tag %q: address %d out of range for %s", m.TagName, m.ModbusAddress, dt)
	}

	target := resolveTarget(m)
	if target.Kind != TargetNone && ReservedLogColumn(target.Field) {
		return Tag{}, fmt.Errorf("tag %q: target field %q is a key column of %s", m.TagName, target.Field, *m.TargetTable)
	}

	return Tag{
		ID:            m.ID,
		Name:          m.TagName,
		Unit:          m.Unit,
		Address:       uint16(m.ModbusAddress),
		FunctionCode:  fc,
		DataType:      dt,
		ScalingFactor: m.ScalingFactor,
		Offset:        m.Offset,
		AlarmHigh:     m.AlarmHigh,
		AlarmLow:      m.AlarmLow,
		MinValue:      m.MinValue,
		MaxValue:      m.MaxValue,
		Target:        target,
		Priority:      m.PollingPriority,
	}, nil
}

// reservedLogColumns are written by the gateway itself on every operational log row.
var reservedLogColumns = map[string]bool{
	"date":               true,
	"hour":               true,
	"transformer_number": true,
	"data_source":        true,
	"logged_at":          true,
}

// ReservedLogColumn reports whether name is a key or provenance column of the
// operational log tables and so cannot carry a tag value.
func ReservedLogColumn(name string) bool { return reservedLogColumns[name] }

func resolveTarget(m model.TagMapping) Target {
	if m.TargetTable == nil || m.TargetField == nil {
		return Target{}
	}
	field := strings.TrimSpace(*m.TargetField)
	if field == "" {
		return Target{}
	}
	switch strings.TrimSpace(*m.TargetTable) {
	case tableTransformerLogs:
		n := defaultTransformerNumber
		if m.TransformerNumber != nil {
			n = *m.TransformerNumber
		}
		return Target{Kind: TargetTransformer, TransformerNumber: n, Field: field}
	case tableGeneratorLogs:
		return Target{Kind: TargetGenerator, Field: field}
	default:
		return Target{}
	}
}
