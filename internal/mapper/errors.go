package mapper

import (
	"errors"
	"fmt"
)

// MappingError reports a field whose value could not be converted between
// the external and internal representation. It is always structural: the
// same input fails the same way on retry.
type MappingError struct {
	Field  string // shared field name (or property/column name if unmapped)
	Raw    string // raw value as seen on the source side
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping field %q (raw %s): %s", e.Field, e.Raw, e.Reason)
}

// IsMappingError reports whether err wraps a *MappingError.
func IsMappingError(err error) bool {
	var me *MappingError
	return errors.As(err, &me)
}

func mappingErr(field string, raw any, format string, args ...any) *MappingError {
	return &MappingError{
		Field:  field,
		Raw:    fmt.Sprintf("%v", raw),
		Reason: fmt.Sprintf(format, args...),
	}
}
