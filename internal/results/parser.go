// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package results turns exported scan artifacts into validated, filtered,
// schema-shaped output.
package results

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// Vulnerability is one finding from the report, flattened to the fields the
// projection layer knows about.
type Vulnerability struct {
	Host             string
	PluginID         int
	PluginName       string
	PluginFamily     string
	Severity         int
	CVE              []string
	CVSSScore        float64
	CVSS3Score       float64
	ExploitAvailable bool
	Port             int
	Protocol         string
	Service          string
	Description      string
	Solution         string
	RiskFactor       string
	Synopsis         string
	SeeAlso          []string
	PluginOutput     string
}

// Report is the parsed artifact: per-host findings plus scan-level metadata.
type Report struct {
	Name            string
	HostCount       int
	Vulnerabilities []*Vulnerability
}

// reportItem mirrors one <ReportItem> element of the .nessus v2 format.
type reportItem struct {
	Port         int      `xml:"port,attr"`
	SvcName      string   `xml:"svc_name,attr"`
	Protocol     string   `xml:"protocol,attr"`
	Severity     int      `xml:"severity,attr"`
	PluginID     int      `xml:"pluginID,attr"`
	PluginName   string   `xml:"pluginName,attr"`
	PluginFamily string   `xml:"pluginFamily,attr"`
	Description  string   `xml:"description"`
	Solution     string   `xml:"solution"`
	RiskFactor   string   `xml:"risk_factor"`
	Synopsis     string   `xml:"synopsis"`
	CVE          []string `xml:"cve"`
	SeeAlso      []string `xml:"see_also"`
	CVSSScore    string   `xml:"cvss_base_score"`
	CVSS3Score   string   `xml:"cvss3_base_score"`
	ExploitAvail string   `xml:"exploit_available"`
	PluginOutput string   `xml:"plugin_output"`
}

// ParseReport streams through a .nessus v2 document, decoding one
// <ReportItem> at a time so large artifacts never need a full DOM.
func ParseReport(data []byte) (*Report, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	report := &Report{}
	currentHost := ""

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed report XML: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Report":
			for _, attr := range start.Attr {
				if attr.Name.Local == "name" {
					report.Name = attr.Value
				}
			}
		case "ReportHost":
			report.HostCount++
			currentHost = ""
			for _, attr := range start.Attr {
				if attr.Name.Local == "name" {
					currentHost = attr.Value
				}
			}
		case "ReportItem":
			var item reportItem
			if err := dec.DecodeElement(&item, &start); err != nil {
				return nil, fmt.Errorf("malformed report item: %w", err)
			}
			report.Vulnerabilities = append(report.Vulnerabilities, item.toVulnerability(currentHost))
		}
	}
	return report, nil
}

func (item *reportItem) toVulnerability(host string) *Vulnerability {
	cvss, _ := strconv.ParseFloat(item.CVSSScore, 64)
	cvss3, _ := strconv.ParseFloat(item.CVSS3Score, 64)
	return &Vulnerability{
		Host:             host,
		PluginID:         item.PluginID,
		PluginName:       item.PluginName,
		PluginFamily:     item.PluginFamily,
		Severity:         item.Severity,
		CVE:              item.CVE,
		CVSSScore:        cvss,
		CVSS3Score:       cvss3,
		ExploitAvailable: item.ExploitAvail == "true",
		Port:             item.Port,
		Protocol:         item.Protocol,
		Service:          item.SvcName,
		Description:      item.Description,
		Solution:         item.Solution,
		RiskFactor:       item.RiskFactor,
		Synopsis:         item.Synopsis,
		SeeAlso:          item.SeeAlso,
		PluginOutput:     item.PluginOutput,
	}
}
