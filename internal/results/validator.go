// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package results

import (
	"regexp"
	"strings"

	"github.com/eafonin/nessus-orchestrator/internal/models"
)

const (
	// minArtifactBytes guards against truncated exports; anything smaller
	// cannot be a real report.
	minArtifactBytes = 500

	// scanInfoPluginID is the scanner's own scan-information plugin whose
	// output carries the authoritative "Credentialed checks" verdict.
	scanInfoPluginID = 19506

	// authPluginThreshold is the fallback: at least this many hits of
	// credential-only plugins attest a working login.
	authPluginThreshold = 5
)

// authOnlyPluginIDs can only fire when credentials worked on the target.
var authOnlyPluginIDs = map[int]bool{
	10394: true, // SMB log in possible
	10400: true, // SMB registry remotely accessible
	12634: true, // Authenticated check: OS name and installed package enumeration
	24269: true, // WMI available
	25221: true, // Remote listener enumeration (SSH)
	97993: true, // OS identification and installed software enumeration over SSH
}

var credentialedChecksRegex = regexp.MustCompile(`(?i)credentialed checks\s*:\s*(yes|no|partial)`)

// Validator classifies exported reports: structural sanity, authentication
// outcome, and summary statistics.
type Validator struct{}

// NewValidator creates a result validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses the artifact and derives the validation block for the
// declared scan type. A nil error does not mean the scan is valid; the
// verdict is in the result.
func (val *Validator) Validate(artifact []byte, scanType models.ScanType) *models.ValidationResult {
	result := &models.ValidationResult{
		AuthenticationStatus: models.AuthStatusUnknown,
		Statistics:           map[string]int{},
	}
	result.Statistics["bytes"] = len(artifact)

	if len(artifact) < minArtifactBytes {
		result.Warnings = append(result.Warnings, "artifact is suspiciously small; the export is likely truncated")
		return result
	}

	report, err := ParseReport(artifact)
	if err != nil {
		result.Warnings = append(result.Warnings, "artifact is not a well-formed scan report: "+err.Error())
		return result
	}

	result.Statistics["hosts"] = report.HostCount
	countSeverities(report, result.Statistics)

	if report.HostCount == 0 {
		result.Warnings = append(result.Warnings, "report contains no hosts; targets may be unreachable")
		return result
	}

	result.AuthenticationStatus = classifyAuthentication(report, scanType)
	if scanType.IsAuthenticated() && result.AuthenticationStatus == models.AuthStatusFailed {
		result.Warnings = append(result.Warnings, "credentialed checks did not run; the scan covers only the unauthenticated surface")
		result.IsValid = false
		return result
	}
	if scanType.IsAuthenticated() && result.AuthenticationStatus == models.AuthStatusPartial {
		result.Warnings = append(result.Warnings, "credentialed checks ran on only part of the targets")
	}

	result.IsValid = true
	return result
}

// classifyAuthentication derives the credential outcome. The scan-info
// plugin output is authoritative; counting credential-only plugin hits is
// the fallback.
func classifyAuthentication(report *Report, scanType models.ScanType) models.AuthenticationStatus {
	if !scanType.IsAuthenticated() {
		return models.AuthStatusNotApplicable
	}

	verdicts := map[string]int{}
	authPluginHits := 0
	for _, v := range report.Vulnerabilities {
		if v.PluginID == scanInfoPluginID {
			if m := credentialedChecksRegex.FindStringSubmatch(v.PluginOutput); m != nil {
				verdicts[strings.ToLower(m[1])]++
			}
		}
		if authOnlyPluginIDs[v.PluginID] {
			authPluginHits++
		}
	}

	switch {
	case verdicts["yes"] > 0 && verdicts["no"] == 0:
		return models.AuthStatusSuccess
	case verdicts["partial"] > 0 || (verdicts["yes"] > 0 && verdicts["no"] > 0):
		return models.AuthStatusPartial
	case verdicts["no"] > 0:
		// The scanner said no; plugin hits cannot override it.
		return models.AuthStatusFailed
	case authPluginHits >= authPluginThreshold:
		return models.AuthStatusSuccess
	default:
		return models.AuthStatusFailed
	}
}

// countSeverities fills the per-severity histogram and the non-info total.
func countSeverities(report *Report, stats map[string]int) {
	names := map[int]string{4: "critical", 3: "high", 2: "medium", 1: "low", 0: "info"}
	total := 0
	for _, v := range report.Vulnerabilities {
		name, ok := names[v.Severity]
		if !ok {
			name = "info"
		}
		stats[name]++
		if v.Severity > 0 {
			total++
		}
	}
	stats["total_vulnerabilities"] = total
}
