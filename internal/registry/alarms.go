package registry

// AlarmType classifies an alarm raised by CheckAlarms.
type AlarmType string

const (
	AlarmNone       AlarmType = ""
	AlarmHigh       AlarmType = "high"
	AlarmLow        AlarmType = "low"
	AlarmOutOfRange AlarmType = "out_of_range"
)

// AlarmResult is the outcome of evaluating a scaled value against a tag's limits.
type AlarmResult struct {
	IsAlarm bool
	Type    AlarmType
}

// ScaleValue converts a raw register value to engineering units.
func ScaleValue(raw, factor, offset float64) float64 {
	return raw*factor + offset
}

// CheckAlarms applies the first matching rule: alarm_high/alarm_low thresholds,
// then the min_value/max_value range. Unset limits never match.
func CheckAlarms(tag Tag, value float64) AlarmResult {
	if tag.AlarmHigh != nil && value > *tag.AlarmHigh {
		return AlarmResult{IsAlarm: true, Type: AlarmHigh}
	}
	if tag.AlarmLow != nil && value < *tag.AlarmLow {
		return AlarmResult{IsAlarm: true, Type: AlarmLow}
	}
	if (tag.MaxValue != nil && value > *tag.MaxValue) || (tag.MinValue != nil && value < *tag.MinValue) {
		return AlarmResult{IsAlarm: true, Type: AlarmOutOfRange}
	}
	return AlarmResult{}
}
