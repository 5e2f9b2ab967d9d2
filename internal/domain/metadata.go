package domain

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// MetadataSchemaVersion is the current version tag attached to every remote
// provider object this service creates, and validated again at backfill time.
const MetadataSchemaVersion = "1.4"

// MetadataSource identifies objects created by this system when they are seen
// again in the provider's history.
const MetadataSource = "contribution-service"

// ContributionMetadata is the versioned metadata object attached to every
// remote payment, subscription and setup-intent at creation.
type ContributionMetadata struct {
	SchemaVersion    string     `json:"schema_version"`
	Source           string     `json:"source"`
	ContributorID    uuid.UUID  `json:"contributor_id"`
	DonationPageID   *uuid.UUID `json:"donation_page_id,omitempty"`
	RevenueProgramID *uuid.UUID `json:"revenue_program_id,omitempty"`
	Referer          string     `json:"referer,omitempty"`
}

// supportedSchemaVersions lists versions the backfill transformer accepts.
// Older objects carry 1.0-1.3 metadata written by earlier deployments.
var supportedSchemaVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
	"1.2": true,
	"1.3": true,
	"1.4": true,
}

// Validate checks the metadata object against the versioned schema. It is run
// before every persist and again when raw provider metadata is re-ingested.
func (m *ContributionMetadata) Validate() error {
	if !supportedSchemaVersions[strings.TrimSpace(m.SchemaVersion)] {
		return NewValidationError("schema_version", "unknown metadata schema version "+m.SchemaVersion)
	}
	if strings.TrimSpace(m.Source) == "" {
		return NewValidationError("source", "metadata source tag is required")
	}
	if m.ContributorID == uuid.Nil {
		return NewValidationError("contributor_id", "metadata must reference a contributor")
	}
	if (m.DonationPageID != nil) == (m.RevenueProgramID != nil) {
		return NewValidationError("donation_source", "metadata must carry exactly one donation source")
	}
	return nil
}

// Marshal serializes validated metadata for persistence.
func (m *ContributionMetadata) Marshal() (json.RawMessage, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// ToProviderMetadata flattens the metadata into the string map the provider
// attaches to remote objects.
func (m *ContributionMetadata) ToProviderMetadata() map[string]string {
	out := map[string]string{
		"schema_version": m.SchemaVersion,
		"source":         m.Source,
		"contributor_id": m.ContributorID.String(),
	}
	if m.DonationPageID != nil {
		out["donation_page_id"] = m.DonationPageID.String()
	}
	if m.RevenueProgramID != nil {
		out["revenue_program_id"] = m.RevenueProgramID.String()
	}
	if m.Referer != "" {
		out["referer"] = m.Referer
	}
	return out
}

// MetadataFromProviderMap rebuilds metadata from the flat string map a remote
// object carries. Missing or malformed UUIDs surface as validation errors from
// the subsequent Validate call.
func MetadataFromProviderMap(raw map[string]string) *ContributionMetadata {
	m := &ContributionMetadata{
		SchemaVersion: raw["schema_version"],
		Source:        raw["source"],
		Referer:       raw["referer"],
	}
	if id, err := uuid.Parse(raw["contributor_id"]); err == nil {
		m.ContributorID = id
	}
	if v := raw["donation_page_id"]; v != "" {
		if id, err := uuid.Parse(v); err == nil {
			m.DonationPageID = &id
		}
	}
	if v := raw["revenue_program_id"]; v != "" {
		if id, err := uuid.Parse(v); err == nil {
			m.RevenueProgramID = &id
		}
	}
	return m
}
