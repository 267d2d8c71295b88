package models

import (
	"encoding/json"
	"fmt"
)

// OutputVersion is the version of the aggregated findings document format.
const OutputVersion = "1.0.0"

// Meta describes one aggregated findings document.
type Meta struct {
	OutputVersion string   `json:"output_version"`
	JMOVersion    string   `json:"jmo_version"`
	SchemaVersion string   `json:"schema_version"`
	Timestamp     int64    `json:"timestamp"`
	ScanID        string   `json:"scan_id"`
	Profile       string   `json:"profile"`
	Tools         []string `json:"tools"`
	TargetCount   int      `json:"target_count"`
	FindingCount  int      `json:"finding_count"`
	Platform      string   `json:"platform"`
}

// Document is the envelope form of the aggregated findings output.
type Document struct {
	Meta     Meta            `json:"meta"`
	Findings []CommonFinding `json:"findings"`
	// SuppressedIDs carries fingerprints removed by suppression rules so
	// reporters can render them separately.
	SuppressedIDs []string `json:"suppressed_ids,omitempty"`
}

// DecodeDocument accepts both the envelope form and a bare top-level list
// of findings, returning the envelope form either way.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err == nil {
		return &doc, nil
	}
	var bare []CommonFinding
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("decode findings document: %w", err)
	}
	return &Document{Findings: bare}, nil
}
