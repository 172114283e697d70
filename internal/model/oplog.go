package model

import "time"

// DataSourceSCADA marks operational log values written by the gateway rather than typed in by hand.
const DataSourceSCADA = "scada"

// TransformerLog is one hourly row of a transformer's operational log.
// Table: transformer_logs, keyed by (date, hour, transformer_number).
// Only the columns the gateway writes by default are modelled; tags may target any column present in the table.
type TransformerLog struct {
	Date               string     `gorm:"column:date;primaryKey" json:"date"`
	Hour               int        `gorm:"column:hour;primaryKey;autoIncrement:false" json:"hour"`
	TransformerNumber  int        `gorm:"column:transformer_number;primaryKey;autoIncrement:false" json:"transformer_number"`
	VoltageHV          *float64   `gorm:"column:voltage_hv" json:"voltage_hv"`
	VoltageLV          *float64   `gorm:"column:voltage_lv" json:"voltage_lv"`
	CurrentHV          *float64   `gorm:"column:current_hv" json:"current_hv"`
	CurrentLV          *float64   `gorm:"column:current_lv" json:"current_lv"`
	PowerKW            *float64   `gorm:"column:power_kw" json:"power_kw"`
	PowerFactor        *float64   `gorm:"column:power_factor" json:"power_factor"`
	OilTemperature     *float64   `gorm:"column:oil_temperature" json:"oil_temperature"`
	WindingTemperature *float64   `gorm:"column:winding_temperature" json:"winding_temperature"`
	TapPosition        *float64   `gorm:"column:tap_position" json:"tap_position"`
	DataSource         string     `gorm:"column:data_source" json:"data_source"`
	LoggedAt           *time.Time `gorm:"column:logged_at" json:"logged_at"`
}

func (TransformerLog) TableName() string { return "transformer_logs" }

// GeneratorLog is one hourly row of the generator operational log.
// Table: generator_logs, keyed by (date, hour).
type GeneratorLog struct {
	Date               string     `gorm:"column:date;primaryKey" json:"date"`
	Hour               int        `gorm:"column:hour;primaryKey;autoIncrement:false" json:"hour"`
	Voltage            *float64   `gorm:"column:voltage" json:"voltage"`
	Current            *float64   `gorm:"column:current" json:"current"`
	PowerKW            *float64   `gorm:"column:power_kw" json:"power_kw"`
	Frequency          *float64   `gorm:"column:frequency" json:"frequency"`
	FuelLevel          *float64   `gorm:"column:fuel_level" json:"fuel_level"`
	OilPressure        *float64   `gorm:"column:oil_pressure" json:"oil_pressure"`
	CoolantTemperature *float64   `gorm:"column:coolant_temperature" json:"coolant_temperature"`
	RunningHours       *float64   `gorm:"column:running_hours" json:"running_hours"`
	DataSource         string     `gorm:"column:data_source" json:"data_source"`
	LoggedAt           *time.Time `gorm:"column:logged_at" json:"logged_at"`
}

func (GeneratorLog) TableName() string { return "generator_logs" }

// HourlyRollup aggregates one tag's archived readings over one clock hour.
// Table: scada_hourly_rollups, keyed by (tag_mapping_id, date, hour).
type HourlyRollup struct {
	TagMappingID string    `gorm:"column:tag_mapping_id;primaryKey" json:"tag_mapping_id"`
	Date         string    `gorm:"column:date;primaryKey" json:"date"`
	Hour         int       `gorm:"column:hour;primaryKey;autoIncrement:false" json:"hour"`
	SampleCount  int       `gorm:"column:sample_count" json:"sample_count"`
	GoodCount    int       `gorm:"column:good_count" json:"good_count"`
	MinValue     *float64  `gorm:"column:min_value" json:"min_value"`
	MaxValue     *float64  `gorm:"column:max_value" json:"max_value"`
	AvgValue     *float64  `gorm:"column:avg_value" json:"avg_value"`
	QualityRatio float64   `gorm:"column:quality_ratio" json:"quality_ratio"`
	ComputedAt   time.Time `gorm:"column:computed_at" json:"computed_at"`
}

func (HourlyRollup) TableName() string { return "scada_hourly_rollups" }
