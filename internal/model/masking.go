package model

import (
	"fmt"
	"strings"
)

// ColumnClassification marks one catalog column as likely holding personal data.
//
// It is a pure function of catalog metadata: row values are never inspected.
type ColumnClassification struct {
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	Column   string `json:"column"`
	DataType string `json:"data_type"`
	Reason   string `json:"reason"`
}

// QualifiedName returns schema.table.column.
func (c ColumnClassification) QualifiedName() string {
	if c.Schema == "" {
		return c.Table + "." + c.Column
	}
	return c.Schema + "." + c.Table + "." + c.Column
}

// MaskMode distinguishes counting runs from rewriting runs.
type MaskMode string

const (
	ModeDryRun  MaskMode = "DRY_RUN"
	ModeApplied MaskMode = "APPLIED"
)

// MaskingResult is the per-column outcome of a masking run.
type MaskingResult struct {
	Column      ColumnClassification `json:"column"`
	RowsMatched int64                `json:"rows_matched"`
	Mode        MaskMode             `json:"mode"`
	Error       string               `json:"error,omitempty"`
}

// Failed reports whether processing this column errored.
func (r MaskingResult) Failed() bool {
	return r.Error != ""
}

// RunSummary aggregates masking results for one target.
type RunSummary struct {
	Target           string          `json:"target"`
	Mode             MaskMode        `json:"mode"`
	ColumnsProcessed int             `json:"columns_processed"`
	RowsAffected     int64           `json:"rows_affected"`
	Results          []MaskingResult `json:"results"`
}

// Failures returns the results whose column errored.
func (s RunSummary) Failures() []MaskingResult {
	var out []MaskingResult
	for _, r := range s.Results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

func (s RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mask %s (%s): %d columns, %d rows affected\n",
		s.Target, s.Mode, s.ColumnsProcessed, s.RowsAffected)
	for _, r := range s.Results {
		if r.Failed() {
			fmt.Fprintf(&b, "  %-40s FAILED: %s\n", r.Column.QualifiedName(), r.Error)
			continue
		}
		fmt.Fprintf(&b, "  %-40s %d\n", r.Column.QualifiedName(), r.RowsMatched)
	}
	return b.String()
}
