package analytics

import (
	"github.com/hashicorp/go-multierror"
	"github.com/jkbrsn/vitals"
)

// Fanout sends every command to each of its transports. All transports are tried; their errors
// are combined.
type Fanout []vitals.Analytics

// Send sends the command to every transport.
func (f Fanout) Send(command, target string, params vitals.Params) error {
	var result *multierror.Error
	for _, a := range f {
		if a == nil {
			continue
		}
		if err := a.Send(command, target, params); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
