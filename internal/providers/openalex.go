package providers

import (
	"context"
	"net/url"
	"strings"

	"github.com/neurostuff/studysync/internal/model"
)

const openAlexBase = "https://api.openalex.org"

// OpenAlex resolves identifiers through the OpenAlex works API. It is the
// last resort of the identifier chain.
type OpenAlex struct {
	c      *httpClient
	mailto string
}

var _ IdentifierLookup = (*OpenAlex)(nil)

// NewOpenAlex creates a client. Supplying mailto opts into the polite pool.
func NewOpenAlex(mailto string, opts Options) *OpenAlex {
	return &OpenAlex{c: newHTTPClient("openalex", openAlexBase, 10, opts), mailto: mailto}
}

func (o *OpenAlex) Name() string { return "openalex" }

type openAlexWork struct {
	DOI             string `json:"doi"`
	Title           string `json:"title"`
	PublicationYear int    `json:"publication_year"`
	IDs             struct {
		DOI   string `json:"doi"`
		PMID  string `json:"pmid"`
		PMCID string `json:"pmcid"`
	} `json:"ids"`
}

func (w openAlexWork) identifiers() model.Identifiers {
	doi := w.IDs.DOI
	if doi == "" {
		doi = w.DOI
	}
	return model.Identifiers{DOI: doi, PMID: w.IDs.PMID, PMCID: w.IDs.PMCID}.Normalize()
}

func (o *OpenAlex) query() url.Values {
	q := url.Values{}
	if o.mailto != "" {
		q.Set("mailto", o.mailto)
	}
	return q
}

// LookupIdentifiers implements IdentifierLookup.
func (o *OpenAlex) LookupIdentifiers(ctx context.Context, r model.Record) (model.Identifiers, error) {
	ids := r.Identifiers().Normalize()
	var key string
	switch {
	case ids.DOI != "":
		key = "doi:" + ids.DOI
	case ids.PMID != "":
		key = "pmid:" + ids.PMID
	case ids.PMCID != "":
		key = "pmcid:" + ids.PMCID
	}
	if key != "" {
		var w openAlexWork
		found, err := o.c.getJSON(ctx, "/works/"+key, o.query(), &w)
		if err != nil || !found {
			return model.Identifiers{}, err
		}
		return w.identifiers(), nil
	}

	if model.Blank(r.Name) {
		return model.Identifiers{}, nil
	}
	q := o.query()
	q.Set("filter", "title.search:"+strings.ReplaceAll(strings.TrimSpace(r.Name), ",", " "))
	q.Set("per-page", "1")
	var resp struct {
		Results []openAlexWork `json:"results"`
	}
	found, err := o.c.getJSON(ctx, "/works", q, &resp)
	if err != nil || !found || len(resp.Results) == 0 {
		return model.Identifiers{}, err
	}
	w := resp.Results[0]
	if !strings.EqualFold(strings.TrimSpace(w.Title), strings.TrimSpace(r.Name)) {
		return model.Identifiers{}, nil
	}
	if r.Year != 0 && w.PublicationYear != 0 && r.Year != w.PublicationYear {
		return model.Identifiers{}, nil
	}
	return w.identifiers(), nil
}
