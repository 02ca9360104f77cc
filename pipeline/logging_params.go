/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"github.com/acronis/go-gatekit/log"
)

// LoggingParams stores parameters for the Logging stage
// that may be modified dynamically by the underlying stages/handlers.
type LoggingParams struct {
	fields []log.Field
}

// ExtendFields extends list of fields that will be logged by the Logging stage
// in the request completion record.
func (lp *LoggingParams) ExtendFields(fields ...log.Field) {
	lp.fields = append(lp.fields, fields...)
}
