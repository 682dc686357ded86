package vitals

// Analytics commands understood by the analytics capability.
const (
	CommandEvent  = "event"
	CommandConfig = "config"
)

// Params is a loosely structured analytics payload of string keys to primitive values.
type Params map[string]any

// Analytics is the capability used to reach the external analytics provider. The shape and
// transport of a Send are owned by the implementation.
type Analytics interface {
	// Send issues a command, e.g. CommandEvent with the event name as target, or CommandConfig
	// with the measurement ID as target.
	Send(command, target string, params Params) error
}

// AnalyticsFunc adapts a function to the Analytics interface.
type AnalyticsFunc func(command, target string, params Params) error

// Send calls f.
func (f AnalyticsFunc) Send(command, target string, params Params) error {
	return f(command, target, params)
}
