// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package results

import "sort"

// Profile names the field set a caller wants per vulnerability.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileSummary Profile = "summary"
	ProfileBrief   Profile = "brief" // Default
	ProfileFull    Profile = "full"
	ProfileCustom  Profile = "custom"
)

// fieldKind drives filter semantics per field.
type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
	kindList
)

type fieldDef struct {
	name string
	kind fieldKind
	get  func(v *Vulnerability) interface{}
}

// fieldOrder is the canonical field list. Profile field order and the
// full-profile output order both follow it; output stability across releases
// depends on it staying append-only.
var fieldOrder = []fieldDef{
	{"host", kindString, func(v *Vulnerability) interface{} { return v.Host }},
	{"plugin_id", kindNumber, func(v *Vulnerability) interface{} { return v.PluginID }},
	{"plugin_name", kindString, func(v *Vulnerability) interface{} { return v.PluginName }},
	{"plugin_family", kindString, func(v *Vulnerability) interface{} { return v.PluginFamily }},
	{"severity", kindNumber, func(v *Vulnerability) interface{} { return v.Severity }},
	{"cve", kindList, func(v *Vulnerability) interface{} { return v.CVE }},
	{"cvss_score", kindNumber, func(v *Vulnerability) interface{} { return v.CVSSScore }},
	{"cvss3_score", kindNumber, func(v *Vulnerability) interface{} { return v.CVSS3Score }},
	{"exploit_available", kindBool, func(v *Vulnerability) interface{} { return v.ExploitAvailable }},
	{"port", kindNumber, func(v *Vulnerability) interface{} { return v.Port }},
	{"protocol", kindString, func(v *Vulnerability) interface{} { return v.Protocol }},
	{"service", kindString, func(v *Vulnerability) interface{} { return v.Service }},
	{"description", kindString, func(v *Vulnerability) interface{} { return v.Description }},
	{"solution", kindString, func(v *Vulnerability) interface{} { return v.Solution }},
	{"risk_factor", kindString, func(v *Vulnerability) interface{} { return v.RiskFactor }},
	{"synopsis", kindString, func(v *Vulnerability) interface{} { return v.Synopsis }},
	{"see_also", kindList, func(v *Vulnerability) interface{} { return v.SeeAlso }},
	{"plugin_output", kindString, func(v *Vulnerability) interface{} { return v.PluginOutput }},
}

var fieldIndex = buildFieldIndex()

func buildFieldIndex() map[string]int {
	idx := make(map[string]int, len(fieldOrder))
	for i, def := range fieldOrder {
		idx[def.name] = i
	}
	return idx
}

// profileFields names each profile's field set in canonical order.
var profileFields = map[Profile][]string{
	ProfileMinimal: {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available"},
	ProfileSummary: {"host", "plugin_id", "plugin_name", "severity", "cve", "cvss_score", "exploit_available", "port", "protocol"},
	ProfileBrief:   {"host", "plugin_id", "plugin_name", "severity", "cve", "cvss_score", "exploit_available", "port", "protocol", "description", "solution"},
}

// fullProfileFields returns every known field in canonical order.
func fullProfileFields() []string {
	names := make([]string, len(fieldOrder))
	for i, def := range fieldOrder {
		names[i] = def.name
	}
	return names
}

// resolveFields returns the output field list for a profile, or for a custom
// field selection. Known custom fields keep canonical order; unknown ones
// are appended alphabetically and serialize as null.
func resolveFields(profile Profile, custom []string) []string {
	switch profile {
	case ProfileFull:
		return fullProfileFields()
	case ProfileCustom:
		var known, unknown []string
		for _, f := range custom {
			if _, ok := fieldIndex[f]; ok {
				known = append(known, f)
			} else {
				unknown = append(unknown, f)
			}
		}
		sort.Slice(known, func(i, j int) bool { return fieldIndex[known[i]] < fieldIndex[known[j]] })
		sort.Strings(unknown)
		return append(known, unknown...)
	default:
		return profileFields[profile]
	}
}

// fieldValue returns the projected value of one field, nil for unknown names.
func fieldValue(v *Vulnerability, name string) interface{} {
	if i, ok := fieldIndex[name]; ok {
		return fieldOrder[i].get(v)
	}
	return nil
}
