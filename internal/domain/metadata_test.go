package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestMetadataValidate_AcceptsSupportedVersions(t *testing.T) {
	pageID := uuid.New()
	for _, version := range []string{"1.0", "1.1", "1.2", "1.3", MetadataSchemaVersion} {
		m := ContributionMetadata{
			SchemaVersion:  version,
			Source:         MetadataSource,
			ContributorID:  uuid.New(),
			DonationPageID: &pageID,
		}
		if err := m.Validate(); err != nil {
			t.Errorf("version %s rejected: %v", version, err)
		}
	}
}

func TestMetadataValidate_RejectsUnknownVersionAndMissingFields(t *testing.T) {
	pageID := uuid.New()
	unknown := ContributionMetadata{
		SchemaVersion:  "0.9",
		Source:         MetadataSource,
		ContributorID:  uuid.New(),
		DonationPageID: &pageID,
	}
	if err := unknown.Validate(); err == nil {
		t.Fatal("unknown schema version must be rejected")
	}

	noContributor := ContributionMetadata{
		SchemaVersion:  MetadataSchemaVersion,
		Source:         MetadataSource,
		DonationPageID: &pageID,
	}
	if err := noContributor.Validate(); err == nil {
		t.Fatal("metadata without a contributor must be rejected")
	}

	noSource := ContributionMetadata{
		SchemaVersion: MetadataSchemaVersion,
		Source:        MetadataSource,
		ContributorID: uuid.New(),
	}
	if err := noSource.Validate(); err == nil {
		t.Fatal("metadata without a donation source must be rejected")
	}
}

func TestMetadataFromProviderMap_RebuildsValidMetadata(t *testing.T) {
	contributorID := uuid.New()
	programID := uuid.New()
	m := MetadataFromProviderMap(map[string]string{
		"schema_version":     "1.2",
		"source":             MetadataSource,
		"contributor_id":     contributorID.String(),
		"revenue_program_id": programID.String(),
		"referer":            "https://donate.example.org",
	})
	if err := m.Validate(); err != nil {
		t.Fatalf("rebuilt metadata invalid: %v", err)
	}
	if m.ContributorID != contributorID {
		t.Fatalf("contributor id mismatch: %s", m.ContributorID)
	}
	if m.RevenueProgramID == nil || *m.RevenueProgramID != programID {
		t.Fatal("revenue program id not rebuilt")
	}
	if m.DonationPageID != nil {
		t.Fatal("donation page id should be absent")
	}
}

func TestMetadataFromProviderMap_MalformedIDsFailValidation(t *testing.T) {
	m := MetadataFromProviderMap(map[string]string{
		"schema_version": MetadataSchemaVersion,
		"source":         MetadataSource,
		"contributor_id": "not-a-uuid",
	})
	if err := m.Validate(); err == nil {
		t.Fatal("metadata with malformed contributor id must fail validation")
	}
}

func TestToProviderMetadata_OmitsEmptyOptionalFields(t *testing.T) {
	pageID := uuid.New()
	m := ContributionMetadata{
		SchemaVersion:  MetadataSchemaVersion,
		Source:         MetadataSource,
		ContributorID:  uuid.New(),
		DonationPageID: &pageID,
	}
	flat := m.ToProviderMetadata()
	if flat["donation_page_id"] != pageID.String() {
		t.Fatalf("donation page id missing from provider metadata: %v", flat)
	}
	if _, ok := flat["revenue_program_id"]; ok {
		t.Fatal("unset revenue program id must not appear in provider metadata")
	}
	if _, ok := flat["referer"]; ok {
		t.Fatal("empty referer must not appear in provider metadata")
	}
}
