package sink

import "time"

// HealthStatus is a partial connection health update. Nil fields are left
// untouched in the stored record. A non-nil empty ErrorMessage clears it.
type HealthStatus struct {
	ConnectionType      *string
	Host                *string
	Port                *int
	SlaveAddress        *int
	IsConnected         *bool
	LastSuccessfulRead  *time.Time
	LastFailedRead      *time.Time
	ConsecutiveFailures *int
	ErrorMessage        *string
}

// Fields returns the set fields keyed by column name.
func (h HealthStatus) Fields() map[string]any {
	f := make(map[string]any, 10)
	if h.ConnectionType != nil {
		f["connection_type"] = *h.ConnectionType
	}
	if h.Host != nil {
		f["host"] = *h.Host
	}
	if h.Port != nil {
		f["port"] = *h.Port
	}
	if h.SlaveAddress != nil {
		f["slave_address"] = *h.SlaveAddress
	}
	if h.IsConnected != nil {
		f["is_connected"] = *h.IsConnected
	}
	if h.LastSuccessfulRead != nil {
		f["last_successful_read"] = h.LastSuccessfulRead.UTC()
	}
	if h.LastFailedRead != nil {
		f["last_failed_read"] = h.LastFailedRead.UTC()
	}
	if h.ConsecutiveFailures != nil {
		f["consecutive_failures"] = *h.ConsecutiveFailures
	}
	if h.ErrorMessage != nil {
		if *h.ErrorMessage == "" {
			f["error_message"] = nil
		} else {
			f["error_message"] = *h.ErrorMessage
		}
	}
	return f
}
