package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifiersNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Identifiers
		want Identifiers
	}{
		{
			"resolver prefixes",
			Identifiers{DOI: " https://doi.org/10.1000/XYZ ", PMID: "https://pubmed.ncbi.nlm.nih.gov/12345/", PMCID: "pmc999"},
			Identifiers{DOI: "10.1000/xyz", PMID: "12345", PMCID: "PMC999"},
		},
		{
			"doi: prefix and bare pmcid",
			Identifiers{DOI: "doi:10.1/A", PMCID: "777"},
			Identifiers{DOI: "10.1/a", PMCID: "PMC777"},
		},
		{"blank", Identifiers{DOI: "  ", PMCID: " "}, Identifiers{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestIdentifiersShares(t *testing.T) {
	a := Identifiers{DOI: "10.1000/XYZ"}
	assert.True(t, a.Shares(Identifiers{DOI: "https://doi.org/10.1000/xyz"}))
	assert.False(t, a.Shares(Identifiers{PMID: "1"}))
	assert.False(t, Identifiers{}.Shares(Identifiers{}), "blank identifiers never match")
	assert.True(t, Identifiers{PMCID: "123"}.Shares(Identifiers{PMCID: "PMC123"}))
}

func TestIdentifiersMissing(t *testing.T) {
	assert.Equal(t, []Field{FieldDOI, FieldPMID, FieldPMCID}, Identifiers{}.Missing())
	assert.Equal(t, []Field{FieldPMCID}, Identifiers{DOI: "d", PMID: "p"}.Missing())
	assert.True(t, Identifiers{PMID: " "}.Empty())
}

func TestRecordFillMissing(t *testing.T) {
	yes := true
	r := Record{Name: "Curated", Year: 0, DOI: "  "}
	src := Record{
		Name: "Provider", Description: " abstract ", Year: 2020, IsOA: &yes,
		DOI: "https://doi.org/10.1/ABC", PMID: "42",
	}

	filled := r.FillMissing(src)

	assert.Equal(t, []Field{FieldDescription, FieldYear, FieldIsOA, FieldDOI, FieldPMID}, filled)
	assert.Equal(t, "Curated", r.Name, "present fields are never overwritten")
	assert.Equal(t, "abstract", r.Description)
	assert.Equal(t, 2020, r.Year)
	assert.Equal(t, "10.1/abc", r.DOI)
	assert.Equal(t, "42", r.PMID)
	if assert.NotNil(t, r.IsOA) {
		assert.True(t, *r.IsOA)
		assert.NotSame(t, src.IsOA, r.IsOA)
	}

	assert.Empty(t, r.FillMissing(src), "second fill is a no-op")
}

func TestRecordFillMissing_FalseIsOAIsAValue(t *testing.T) {
	no, yes := false, true
	r := Record{IsOA: &no}
	assert.Empty(t, r.FillMissing(Record{IsOA: &yes}))
	assert.False(t, *r.IsOA)
}

func TestRecordCanEnrich(t *testing.T) {
	assert.False(t, Record{}.CanEnrich())
	assert.False(t, Record{Name: "  ", Year: 2001}.CanEnrich())
	assert.True(t, Record{Name: "Title"}.CanEnrich())
	assert.True(t, Record{PMCID: "PMC1"}.CanEnrich())
}

func TestRecordMissingFields(t *testing.T) {
	r := Record{Name: "n", Publication: "p", Authors: "a", Year: 1999, DOI: "d", PMID: "1", PMCID: "PMC1", Description: "x"}
	assert.Equal(t, []Field{FieldIsOA}, r.MissingFields())
	assert.Equal(t, []Field(nil), r.MissingIdentifiers())
}
