package model

import "time"

// TagMapping is a point definition polled by the gateway.
// Table: scada_tag_mappings
type TagMapping struct {
	ID                 string   `gorm:"column:id;primaryKey" json:"id" yaml:"id"`
	TagName            string   `gorm:"column:tag_name" json:"tag_name" yaml:"tag_name"`
	Description        string   `gorm:"column:description" json:"description,omitempty" yaml:"description"`
	Unit               string   `gorm:"column:unit" json:"unit,omitempty" yaml:"unit"`
	ModbusAddress      int      `gorm:"column:modbus_address" json:"modbus_address" yaml:"modbus_address"`
	ModbusFunctionCode int      `gorm:"column:modbus_function_code" json:"modbus_function_code" yaml:"modbus_function_code"`
	DataType           string   `gorm:"column:data_type" json:"data_type" yaml:"data_type"`
	ScalingFactor      float64  `gorm:"column:scaling_factor" json:"scaling_factor" yaml:"scaling_factor"`
	Offset             float64  `gorm:"column:offset" json:"offset" yaml:"offset"`
	AlarmHigh          *float64 `gorm:"column:alarm_high" json:"alarm_high" yaml:"alarm_high"`
	AlarmLow           *float64 `gorm:"column:alarm_low" json:"alarm_low" yaml:"alarm_low"`
	MinValue           *float64 `gorm:"column:min_value" json:"min_value" yaml:"min_value"`
	MaxValue           *float64 `gorm:"column:max_value" json:"max_value" yaml:"max_value"`
	TargetTable        *string  `gorm:"column:target_table" json:"target_table" yaml:"target_table"`
	TargetField        *string  `gorm:"column:target_field" json:"target_field" yaml:"target_field"`
	TransformerNumber  *int     `gorm:"column:transformer_number" json:"transformer_number" yaml:"transformer_number"`
	PollingPriority    int      `gorm:"column:polling_priority;index" json:"polling_priority" yaml:"polling_priority"`
	IsActive           bool     `gorm:"column:is_active;index" json:"is_active" yaml:"is_active"`
}

func (TagMapping) TableName() string { return "scada_tag_mappings" }

// Reading is the latest sample of a tag. One row per tag, replaced every cycle.
// Table: scada_readings
type Reading struct {
	TagMappingID string    `gorm:"column:tag_mapping_id;primaryKey" json:"tag_mapping_id"`
	RawValue     float64   `gorm:"column:raw_value" json:"raw_value"`
	ScaledValue  float64   `gorm:"column:scaled_value" json:"scaled_value"`
	QualityCode  int       `gorm:"column:quality_code" json:"quality_code"`
	IsAlarm      bool      `gorm:"column:is_alarm" json:"is_alarm"`
	AlarmType    *string   `gorm:"column:alarm_type" json:"alarm_type"`
	Timestamp    time.Time `gorm:"column:timestamp" json:"timestamp"`
	ReceivedAt   time.Time `gorm:"column:received_at" json:"received_at"`
}

func (Reading) TableName() string { return "scada_readings" }

const (
	QualityGood = 0
	QualityBad  = 1
)

// ReadingHistory is the append-only archive of every reading; hourly rollups are computed from it.
// Table: scada_reading_history
type ReadingHistory struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	TagMappingID string    `gorm:"column:tag_mapping_id;index" json:"tag_mapping_id"`
	RawValue     float64   `gorm:"column:raw_value" json:"raw_value"`
	ScaledValue  float64   `gorm:"column:scaled_value" json:"scaled_value"`
	QualityCode  int       `gorm:"column:quality_code" json:"quality_code"`
	IsAlarm      bool      `gorm:"column:is_alarm" json:"is_alarm"`
	AlarmType    *string   `gorm:"column:alarm_type" json:"alarm_type"`
	Timestamp    time.Time `gorm:"column:timestamp;index" json:"timestamp"`
	ReceivedAt   time.Time `gorm:"column:received_at" json:"received_at"`
}

func (ReadingHistory) TableName() string { return "scada_reading_history" }

// ConnectionHealth is the per-connection status record operators watch.
// Table: scada_connection_health
type ConnectionHealth struct {
	ConnectionName      string     `gorm:"column:connection_name;primaryKey" json:"connection_name"`
	ConnectionType      string     `gorm:"column:connection_type" json:"connection_type"`
	Host                string     `gorm:"column:host" json:"host"`
	Port                int        `gorm:"column:port" json:"port"`
	SlaveAddress        int        `gorm:"column:slave_address" json:"slave_address"`
	IsConnected         bool       `gorm:"column:is_connected" json:"is_connected"`
	LastSuccessfulRead  *time.Time `gorm:"column:last_successful_read" json:"last_successful_read"`
	LastFailedRead      *time.Time `gorm:"column:last_failed_read" json:"last_failed_read"`
	ConsecutiveFailures int        `gorm:"column:consecutive_failures" json:"consecutive_failures"`
	ErrorMessage        *string    `gorm:"column:error_message" json:"error_message"`
	UpdatedAt           time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (ConnectionHealth) TableName() string { return "scada_connection_health" }
