package model

import (
	"strings"
)

// Field names a bibliographic attribute shared by base studies, study
// versions and provider responses.
type Field string

const (
	FieldName        Field = "name"
	FieldDescription Field = "description"
	FieldPublication Field = "publication"
	FieldAuthors     Field = "authors"
	FieldYear        Field = "year"
	FieldIsOA        Field = "is_oa"
	FieldDOI         Field = "doi"
	FieldPMID        Field = "pmid"
	FieldPMCID       Field = "pmcid"
)

// IdentifierFields are the fields a provider can key a lookup off.
var IdentifierFields = []Field{FieldDOI, FieldPMID, FieldPMCID}

// RecordFields lists every field a metadata provider may fill, in the order
// they are reported.
var RecordFields = []Field{
	FieldName, FieldDescription, FieldPublication, FieldAuthors,
	FieldYear, FieldIsOA, FieldDOI, FieldPMID, FieldPMCID,
}

// Blank reports whether s is empty or whitespace only.
func Blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Identifiers is the set of external publication identifiers.
type Identifiers struct {
	DOI   string `json:"doi,omitempty"`
	PMID  string `json:"pmid,omitempty"`
	PMCID string `json:"pmcid,omitempty"`
}

// Normalize returns a copy with whitespace trimmed, DOIs lower-cased and
// stripped of resolver prefixes, and PMCIDs upper-cased with the PMC prefix.
func (ids Identifiers) Normalize() Identifiers {
	return Identifiers{
		DOI:   NormalizeDOI(ids.DOI),
		PMID:  NormalizePMID(ids.PMID),
		PMCID: NormalizePMCID(ids.PMCID),
	}
}

// Missing returns the identifier fields that are blank.
func (ids Identifiers) Missing() []Field {
	var missing []Field
	if Blank(ids.DOI) {
		missing = append(missing, FieldDOI)
	}
	if Blank(ids.PMID) {
		missing = append(missing, FieldPMID)
	}
	if Blank(ids.PMCID) {
		missing = append(missing, FieldPMCID)
	}
	return missing
}

// Empty reports whether every identifier is blank.
func (ids Identifiers) Empty() bool {
	return len(ids.Missing()) == len(IdentifierFields)
}

// Shares reports whether ids and other carry at least one equal,
// non-blank identifier.
func (ids Identifiers) Shares(other Identifiers) bool {
	a, b := ids.Normalize(), other.Normalize()
	return (a.DOI != "" && a.DOI == b.DOI) ||
		(a.PMID != "" && a.PMID == b.PMID) ||
		(a.PMCID != "" && a.PMCID == b.PMCID)
}

var doiPrefixes = []string{
	"https://doi.org/", "http://doi.org/",
	"https://dx.doi.org/", "http://dx.doi.org/",
	"doi:",
}

// NormalizeDOI trims, lower-cases and strips resolver prefixes from a DOI.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, p := range doiPrefixes {
		d = strings.TrimPrefix(d, p)
	}
	return d
}

// NormalizePMID trims a PMID and strips a pubmed URL prefix.
func NormalizePMID(pmid string) string {
	p := strings.TrimSpace(pmid)
	if i := strings.LastIndex(strings.TrimRight(p, "/"), "/"); i >= 0 {
		p = strings.TrimRight(p, "/")[i+1:]
	}
	return p
}

// NormalizePMCID trims a PMCID, strips URL prefixes and adds the PMC prefix.
func NormalizePMCID(pmcid string) string {
	p := strings.TrimSpace(pmcid)
	if i := strings.LastIndex(strings.TrimRight(p, "/"), "/"); i >= 0 {
		p = strings.TrimRight(p, "/")[i+1:]
	}
	if p == "" {
		return ""
	}
	p = strings.ToUpper(p)
	if !strings.HasPrefix(p, "PMC") {
		p = "PMC" + p
	}
	return p
}

// Record is a (possibly partial) bibliographic record. Providers return
// Records; base studies and study versions project to and from them.
type Record struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Publication string `json:"publication,omitempty"`
	Authors     string `json:"authors,omitempty"`
	Year        int    `json:"year,omitempty"`
	IsOA        *bool  `json:"is_oa,omitempty"`
	DOI         string `json:"doi,omitempty"`
	PMID        string `json:"pmid,omitempty"`
	PMCID       string `json:"pmcid,omitempty"`
}

// Identifiers returns the record's identifiers.
func (r Record) Identifiers() Identifiers {
	return Identifiers{DOI: r.DOI, PMID: r.PMID, PMCID: r.PMCID}
}

// MissingIdentifiers returns the blank identifier fields.
func (r Record) MissingIdentifiers() []Field {
	return r.Identifiers().Missing()
}

// IsMissing reports whether f is unset on r. Strings are unset when blank,
// the year when zero (0 is never a valid publication year), is_oa when nil.
func (r Record) IsMissing(f Field) bool {
	switch f {
	case FieldName:
		return Blank(r.Name)
	case FieldDescription:
		return Blank(r.Description)
	case FieldPublication:
		return Blank(r.Publication)
	case FieldAuthors:
		return Blank(r.Authors)
	case FieldYear:
		return r.Year == 0
	case FieldIsOA:
		return r.IsOA == nil
	case FieldDOI:
		return Blank(r.DOI)
	case FieldPMID:
		return Blank(r.PMID)
	case FieldPMCID:
		return Blank(r.PMCID)
	}
	return false
}

// MissingFields returns every unset field of r.
func (r Record) MissingFields() []Field {
	var missing []Field
	for _, f := range RecordFields {
		if r.IsMissing(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// FillMissing copies fields from src into r where r's value is unset and
// src's is set. Fields already present on r are never overwritten. It
// returns the fields that were filled.
func (r *Record) FillMissing(src Record) []Field {
	var filled []Field
	for _, f := range RecordFields {
		if !r.IsMissing(f) || src.IsMissing(f) {
			continue
		}
		switch f {
		case FieldName:
			r.Name = strings.TrimSpace(src.Name)
		case FieldDescription:
			r.Description = strings.TrimSpace(src.Description)
		case FieldPublication:
			r.Publication = strings.TrimSpace(src.Publication)
		case FieldAuthors:
			r.Authors = strings.TrimSpace(src.Authors)
		case FieldYear:
			r.Year = src.Year
		case FieldIsOA:
			v := *src.IsOA
			r.IsOA = &v
		case FieldDOI:
			r.DOI = NormalizeDOI(src.DOI)
		case FieldPMID:
			r.PMID = NormalizePMID(src.PMID)
		case FieldPMCID:
			r.PMCID = NormalizePMCID(src.PMCID)
		}
		filled = append(filled, f)
	}
	return filled
}

// FillIdentifiers copies blank identifiers on r from ids.
func (r *Record) FillIdentifiers(ids Identifiers) []Field {
	return r.FillMissing(Record{DOI: ids.DOI, PMID: ids.PMID, PMCID: ids.PMCID})
}

// CanEnrich reports whether a provider has anything to key a lookup off:
// at least one identifier, or a name.
func (r Record) CanEnrich() bool {
	return !r.Identifiers().Empty() || !Blank(r.Name)
}
