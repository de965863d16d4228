// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package results

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/eafonin/nessus-orchestrator/internal/pkg/errors"
)

// Pagination bounds.
const (
	DefaultPageSize = 40
	MinPageSize     = 10
	MaxPageSize     = 100
)

// Options shape one results read: pagination window, field projection and
// filter conjunction.
type Options struct {
	Page         int               // 1-based; 0 means "all rows, no pagination line"
	PageSize     int               // Default 40; values outside [10,100] are a caller error
	Profile      string            // Named profile; empty means brief
	CustomFields []string          // Mutually exclusive with a non-default named profile
	Filters      map[string]string // Field -> condition, combined by conjunction
}

// resolveProfile validates the profile/custom-fields combination.
func (o *Options) resolveProfile() (Profile, error) {
	if len(o.CustomFields) > 0 {
		if o.Profile != "" && Profile(o.Profile) != ProfileBrief {
			return "", apperrors.NewInvalidInput("customFields cannot be combined with a named schema profile")
		}
		return ProfileCustom, nil
	}
	switch Profile(o.Profile) {
	case "", ProfileBrief:
		return ProfileBrief, nil
	case ProfileMinimal, ProfileSummary, ProfileFull:
		return Profile(o.Profile), nil
	default:
		return "", apperrors.NewInvalidInput(fmt.Sprintf("unknown schema profile: %s", o.Profile))
	}
}

func (o *Options) resolvePageSize() (int, error) {
	if o.PageSize == 0 {
		return DefaultPageSize, nil
	}
	if o.PageSize < MinPageSize || o.PageSize > MaxPageSize {
		return 0, apperrors.NewInvalidInput(fmt.Sprintf("pageSize must be between %d and %d", MinPageSize, MaxPageSize))
	}
	return o.PageSize, nil
}

// Pipeline renders a parsed artifact as newline-delimited JSON: a schema
// line, a scan-metadata line, one vulnerability per line, and a pagination
// trailer when paginating. Identical input yields byte-identical output.
type Pipeline struct{}

// NewPipeline creates a results pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Render runs parse -> project -> filter -> paginate -> emit.
func (p *Pipeline) Render(artifact []byte, opts *Options) ([]byte, error) {
	profile, err := opts.resolveProfile()
	if err != nil {
		return nil, err
	}
	pageSize, err := opts.resolvePageSize()
	if err != nil {
		return nil, err
	}
	if opts.Page < 0 {
		return nil, apperrors.NewInvalidInput("page must be >= 0")
	}
	filters, err := compileFilters(opts.Filters)
	if err != nil {
		return nil, err
	}

	report, err := ParseReport(artifact)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to parse scan artifact")
	}

	fields := resolveFields(profile, opts.CustomFields)
	matched := applyFilters(report.Vulnerabilities, filters)
	total := len(matched)

	totalPages := 1
	if opts.Page > 0 {
		totalPages = (total + pageSize - 1) / pageSize
		if totalPages == 0 {
			totalPages = 1
		}
	}

	window := matched
	if opts.Page > 0 {
		start := (opts.Page - 1) * pageSize
		end := start + pageSize
		if start >= total {
			window = nil
		} else {
			if end > total {
				end = total
			}
			window = matched[start:end]
		}
	}

	var buf bytes.Buffer
	p.writeSchemaLine(&buf, profile, fields, opts.Filters, total, totalPages)
	p.writeMetadataLine(&buf, report)
	for _, v := range window {
		p.writeVulnerabilityLine(&buf, v, fields)
	}
	if opts.Page > 0 {
		p.writePaginationLine(&buf, opts.Page, pageSize, totalPages)
	}
	return buf.Bytes(), nil
}

// writeOrdered writes one JSON object with the given key order. Field
// ordering is part of the output contract, so the object is assembled by
// hand instead of through a map.
func writeOrdered(buf *bytes.Buffer, pairs []orderedPair) {
	buf.WriteByte('{')
	for i, pair := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(pair.key)
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(pair.value)
		if err != nil {
			val = []byte("null")
		}
		buf.Write(val)
	}
	buf.WriteString("}\n")
}

type orderedPair struct {
	key   string
	value interface{}
}

func (p *Pipeline) writeSchemaLine(buf *bytes.Buffer, profile Profile, fields []string, filters map[string]string, total, totalPages int) {
	if filters == nil {
		filters = map[string]string{}
	}
	writeOrdered(buf, []orderedPair{
		{"type", "schema"},
		{"profile", string(profile)},
		{"fields", fields},
		{"filters_applied", filters}, // Echoed back so consumers can reason about omissions
		{"total_vulnerabilities", total},
		{"total_pages", totalPages},
	})
}

func (p *Pipeline) writeMetadataLine(buf *bytes.Buffer, report *Report) {
	writeOrdered(buf, []orderedPair{
		{"type", "scan_metadata"},
		{"scan_name", report.Name},
		{"hosts", report.HostCount},
		{"total_findings", len(report.Vulnerabilities)},
	})
}

func (p *Pipeline) writeVulnerabilityLine(buf *bytes.Buffer, v *Vulnerability, fields []string) {
	pairs := make([]orderedPair, 0, len(fields))
	for _, name := range fields {
		pairs = append(pairs, orderedPair{name, fieldValue(v, name)})
	}
	writeOrdered(buf, pairs)
}

func (p *Pipeline) writePaginationLine(buf *bytes.Buffer, page, pageSize, totalPages int) {
	hasNext := page < totalPages
	var nextPage interface{}
	if hasNext {
		nextPage = page + 1
	}
	writeOrdered(buf, []orderedPair{
		{"type", "pagination"},
		{"page", page},
		{"page_size", pageSize},
		{"total_pages", totalPages},
		{"has_next", hasNext},
		{"next_page", nextPage},
	})
}
