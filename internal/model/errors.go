package model

import (
	"fmt"
	"strings"
)

// None marks a location field (column, view, cluster) that does not apply.
const None = -1

// ValidationError reports malformed or inconsistent model metadata: missing
// keys, dangling references or a broken partition.
type ValidationError struct {
	Field   string // metadata field, e.g. "Zrv" or "suffstats"
	Column  int
	View    int
	Cluster int
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid metadata")
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	if loc := location(e.View, e.Cluster, e.Column); loc != "" {
		b.WriteString(" at ")
		b.WriteString(loc)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func invalid(field string, reason string, args ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Column:  None,
		View:    None,
		Cluster: None,
		Reason:  fmt.Sprintf(reason, args...),
	}
}

func (e *ValidationError) at(view, cluster, column int) *ValidationError {
	e.View, e.Cluster, e.Column = view, cluster, column
	return e
}

// ConversionError reports a (column, cluster) pair that cannot be turned into
// a leaf distribution, or a view whose mixture weights are degenerate.
type ConversionError struct {
	Family  Family
	View    int
	Cluster int
	Column  int
	Reason  string
	Err     error
}

// NewConversionError returns a ConversionError with no location attached.
func NewConversionError(family Family, column int, reason string, args ...any) *ConversionError {
	return &ConversionError{
		Family:  family,
		View:    None,
		Cluster: None,
		Column:  column,
		Reason:  fmt.Sprintf(reason, args...),
	}
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	b.WriteString("cannot convert")
	if e.Family != "" {
		fmt.Fprintf(&b, " %s", e.Family)
	}
	if loc := location(e.View, e.Cluster, e.Column); loc != "" {
		b.WriteString(" at ")
		b.WriteString(loc)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConversionError) Unwrap() error { return e.Err }

// At fills in the location of the error. Negative values leave the existing
// field untouched.
func (e *ConversionError) At(view, cluster, column int) *ConversionError {
	if view >= 0 {
		e.View = view
	}
	if cluster >= 0 {
		e.Cluster = cluster
	}
	if column >= 0 {
		e.Column = column
	}
	return e
}

func location(view, cluster, column int) string {
	var parts []string
	if view != None {
		parts = append(parts, fmt.Sprintf("view %d", view))
	}
	if cluster != None {
		parts = append(parts, fmt.Sprintf("cluster %d", cluster))
	}
	if column != None {
		parts = append(parts, fmt.Sprintf("column %d", column))
	}
	return strings.Join(parts, ", ")
}
