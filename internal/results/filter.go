// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package results

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/eafonin/nessus-orchestrator/internal/pkg/errors"
)

// filter is one compiled field condition. All conditions combine by
// conjunction.
type filter struct {
	field string
	match func(v *Vulnerability) bool
}

// compileFilters turns the caller's field -> condition map into matchers.
// Semantics per field kind: substring (strings, case-insensitive), prefix
// comparison operators (numerics), equality (booleans), element containment
// (lists).
func compileFilters(raw map[string]string) ([]filter, error) {
	filters := make([]filter, 0, len(raw))
	for field, cond := range raw {
		idx, ok := fieldIndex[field]
		if !ok {
			return nil, apperrors.NewInvalidInput(fmt.Sprintf("unknown filter field: %s", field))
		}
		def := fieldOrder[idx]
		m, err := compileCondition(def, cond)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter{field: field, match: m})
	}
	return filters, nil
}

func compileCondition(def fieldDef, cond string) (func(v *Vulnerability) bool, error) {
	switch def.kind {
	case kindString:
		needle := strings.ToLower(cond)
		return func(v *Vulnerability) bool {
			return strings.Contains(strings.ToLower(def.get(v).(string)), needle)
		}, nil

	case kindNumber:
		op, operand := splitComparison(cond)
		threshold, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return nil, apperrors.NewInvalidInput(fmt.Sprintf("invalid numeric condition for field %s: %s", def.name, cond))
		}
		return func(v *Vulnerability) bool {
			return compareNumber(toFloat(def.get(v)), op, threshold)
		}, nil

	case kindBool:
		want, err := strconv.ParseBool(strings.ToLower(cond))
		if err != nil {
			return nil, apperrors.NewInvalidInput(fmt.Sprintf("invalid boolean condition for field %s: %s", def.name, cond))
		}
		return func(v *Vulnerability) bool {
			return def.get(v).(bool) == want
		}, nil

	case kindList:
		needle := strings.ToLower(cond)
		return func(v *Vulnerability) bool {
			for _, item := range def.get(v).([]string) {
				if strings.EqualFold(item, needle) || strings.Contains(strings.ToLower(item), needle) {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, apperrors.NewInvalidInput(fmt.Sprintf("unsupported filter field: %s", def.name))
}

// splitComparison peels a leading comparison operator off a numeric
// condition; a bare number means equality.
func splitComparison(cond string) (string, string) {
	cond = strings.TrimSpace(cond)
	for _, op := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(cond, op) {
			return op, strings.TrimSpace(cond[len(op):])
		}
	}
	return "=", cond
}

func compareNumber(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	default:
		return value == threshold
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// applyFilters keeps vulnerabilities matching every condition.
func applyFilters(vulns []*Vulnerability, filters []filter) []*Vulnerability {
	if len(filters) == 0 {
		return vulns
	}
	out := make([]*Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		keep := true
		for _, f := range filters {
			if !f.match(v) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, v)
		}
	}
	return out
}
