package providers

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/neurostuff/studysync/internal/model"
)

const semanticScholarBase = "https://api.semanticscholar.org/graph/v1"

const s2Fields = "title,abstract,venue,year,authors,externalIds,isOpenAccess"

// SemanticScholar queries the Semantic Scholar Graph API. It serves both
// identifier lookup and metadata fetch from the same paper response.
type SemanticScholar struct {
	c *httpClient
}

var (
	_ IdentifierLookup = (*SemanticScholar)(nil)
	_ MetadataFetcher  = (*SemanticScholar)(nil)
)

// NewSemanticScholar creates a client. apiKey may be empty; unauthenticated
// use is paced at one request per second.
func NewSemanticScholar(apiKey string, opts Options) *SemanticScholar {
	c := newHTTPClient("semantic_scholar", semanticScholarBase, 1, opts)
	if apiKey != "" {
		c.header.Set("x-api-key", apiKey)
	}
	return &SemanticScholar{c: c}
}

func (s *SemanticScholar) Name() string { return "semantic_scholar" }

type s2Paper struct {
	PaperID     string `json:"paperId"`
	Title       string `json:"title"`
	Abstract    string `json:"abstract"`
	Venue       string `json:"venue"`
	Year        int    `json:"year"`
	ExternalIDs struct {
		DOI           string `json:"DOI"`
		PubMed        string `json:"PubMed"`
		PubMedCentral string `json:"PubMedCentral"`
	} `json:"externalIds"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
	IsOpenAccess *bool `json:"isOpenAccess"`
}

func (p s2Paper) record() model.Record {
	names := make([]string, 0, len(p.Authors))
	for _, a := range p.Authors {
		if n := strings.TrimSpace(a.Name); n != "" {
			names = append(names, n)
		}
	}
	r := model.Record{
		Name:        p.Title,
		Description: p.Abstract,
		Publication: p.Venue,
		Authors:     strings.Join(names, ", "),
		Year:        p.Year,
		IsOA:        p.IsOpenAccess,
		DOI:         model.NormalizeDOI(p.ExternalIDs.DOI),
		PMID:        model.NormalizePMID(p.ExternalIDs.PubMed),
	}
	if p.ExternalIDs.PubMedCentral != "" {
		r.PMCID = model.NormalizePMCID(p.ExternalIDs.PubMedCentral)
	}
	return r
}

// paper resolves r by the strongest identifier it carries, falling back to
// a title match.
func (s *SemanticScholar) paper(ctx context.Context, r model.Record) (model.Record, error) {
	ids := r.Identifiers().Normalize()
	q := url.Values{"fields": {s2Fields}}

	var key string
	switch {
	case ids.DOI != "":
		key = "DOI:" + ids.DOI
	case ids.PMID != "":
		key = "PMID:" + ids.PMID
	case ids.PMCID != "":
		key = "PMCID:" + strings.TrimPrefix(ids.PMCID, "PMC")
	}
	if key != "" {
		var p s2Paper
		found, err := s.c.getJSON(ctx, "/paper/"+strings.ReplaceAll(url.PathEscape(key), "%2F", "/"), q, &p)
		if err != nil || !found {
			return model.Record{}, err
		}
		return p.record(), nil
	}

	if model.Blank(r.Name) {
		return model.Record{}, nil
	}
	q.Set("query", strings.TrimSpace(r.Name))
	var match struct {
		Data []s2Paper `json:"data"`
	}
	found, err := s.c.getJSON(ctx, "/paper/search/match", q, &match)
	if err != nil || !found || len(match.Data) == 0 {
		return model.Record{}, err
	}
	got := match.Data[0].record()
	// A title match is only trusted when the year agrees, if both are known.
	if r.Year != 0 && got.Year != 0 && r.Year != got.Year {
		return model.Record{}, nil
	}
	return got, nil
}

// LookupIdentifiers implements IdentifierLookup.
func (s *SemanticScholar) LookupIdentifiers(ctx context.Context, r model.Record) (model.Identifiers, error) {
	got, err := s.paper(ctx, r)
	if err != nil {
		return model.Identifiers{}, err
	}
	return got.Identifiers(), nil
}

// FetchMetadata implements MetadataFetcher.
func (s *SemanticScholar) FetchMetadata(ctx context.Context, r model.Record) (model.Record, error) {
	return s.paper(ctx, r)
}

// yearFromDate extracts the leading four-digit year of dates such as
// "2019 Mar 4" or "2019-03-04".
func yearFromDate(s string) int {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return 0
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0
	}
	return y
}
