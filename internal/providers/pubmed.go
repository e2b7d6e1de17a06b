package providers

import (
	"context"
	"net/url"
	"strings"

	"github.com/neurostuff/studysync/internal/model"
)

const (
	pubMedEutilsBase = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	pubMedIDConvBase = "https://www.ncbi.nlm.nih.gov/pmc/utils/idconv/v1.0"
)

// PubMedConfig carries NCBI E-utilities credentials.
type PubMedConfig struct {
	APIKey string
	Email  string
	Tool   string
	// IDConvURL overrides the PMC ID converter root (tests). BaseURL in
	// Options overrides the E-utilities root.
	IDConvURL string
}

// PubMed queries NCBI: the PMC ID converter for identifier cross-walks,
// esearch for title lookups and esummary for metadata.
type PubMed struct {
	eutils *httpClient
	idconv *httpClient
	cfg    PubMedConfig
}

var (
	_ IdentifierLookup = (*PubMed)(nil)
	_ MetadataFetcher  = (*PubMed)(nil)
)

// NewPubMed creates a client. NCBI allows 3 requests/s without a key and
// 10 with one.
func NewPubMed(cfg PubMedConfig, opts Options) *PubMed {
	perSec := 3.0
	if cfg.APIKey != "" {
		perSec = 10
	}
	if opts.RatePerSec == 0 {
		opts.RatePerSec = perSec
	}
	idOpts := opts
	idOpts.BaseURL = cfg.IDConvURL
	return &PubMed{
		eutils: newHTTPClient("pubmed", pubMedEutilsBase, perSec, opts),
		idconv: newHTTPClient("pubmed_idconv", pubMedIDConvBase, perSec, idOpts),
		cfg:    cfg,
	}
}

func (p *PubMed) Name() string { return "pubmed" }

func (p *PubMed) params(q url.Values) url.Values {
	if p.cfg.APIKey != "" {
		q.Set("api_key", p.cfg.APIKey)
	}
	if p.cfg.Email != "" {
		q.Set("email", p.cfg.Email)
	}
	if p.cfg.Tool != "" {
		q.Set("tool", p.cfg.Tool)
	}
	return q
}

type idconvResponse struct {
	Status  string `json:"status"`
	Records []struct {
		PMCID  string `json:"pmcid"`
		PMID   string `json:"pmid"`
		DOI    string `json:"doi"`
		Status string `json:"status"`
	} `json:"records"`
}

func (p *PubMed) convert(ctx context.Context, id string) (model.Identifiers, error) {
	var resp idconvResponse
	found, err := p.idconv.getJSON(ctx, "/", p.params(url.Values{"ids": {id}, "format": {"json"}}), &resp)
	if err != nil || !found {
		return model.Identifiers{}, err
	}
	for _, rec := range resp.Records {
		if rec.Status == "error" {
			continue
		}
		return model.Identifiers{DOI: rec.DOI, PMID: rec.PMID, PMCID: rec.PMCID}.Normalize(), nil
	}
	return model.Identifiers{}, nil
}

func (p *PubMed) searchTitle(ctx context.Context, title string) (string, error) {
	var resp struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	q := p.params(url.Values{
		"db":      {"pubmed"},
		"term":    {strings.TrimSpace(title) + "[Title]"},
		"retmode": {"json"},
		"retmax":  {"2"},
	})
	found, err := p.eutils.getJSON(ctx, "/esearch.fcgi", q, &resp)
	if err != nil || !found {
		return "", err
	}
	// An ambiguous title is no match.
	if len(resp.ESearchResult.IDList) != 1 {
		return "", nil
	}
	return resp.ESearchResult.IDList[0], nil
}

// LookupIdentifiers implements IdentifierLookup.
func (p *PubMed) LookupIdentifiers(ctx context.Context, r model.Record) (model.Identifiers, error) {
	ids := r.Identifiers().Normalize()
	switch {
	case ids.PMID != "":
		return p.convert(ctx, ids.PMID)
	case ids.PMCID != "":
		return p.convert(ctx, ids.PMCID)
	case ids.DOI != "":
		return p.convert(ctx, ids.DOI)
	case !model.Blank(r.Name):
		pmid, err := p.searchTitle(ctx, r.Name)
		if err != nil || pmid == "" {
			return model.Identifiers{}, err
		}
		found, err := p.convert(ctx, pmid)
		if err != nil {
			return model.Identifiers{}, err
		}
		found.PMID = pmid
		return found, nil
	}
	return model.Identifiers{}, nil
}

type esummaryDoc struct {
	Title           string `json:"title"`
	FullJournalName string `json:"fulljournalname"`
	Source          string `json:"source"`
	PubDate         string `json:"pubdate"`
	Authors         []struct {
		Name string `json:"name"`
	} `json:"authors"`
	ArticleIDs []struct {
		IDType string `json:"idtype"`
		Value  string `json:"value"`
	} `json:"articleids"`
}

// FetchMetadata implements MetadataFetcher. Records without a PMID are
// resolved through LookupIdentifiers first.
func (p *PubMed) FetchMetadata(ctx context.Context, r model.Record) (model.Record, error) {
	pmid := model.NormalizePMID(r.PMID)
	if pmid == "" {
		ids, err := p.LookupIdentifiers(ctx, r)
		if err != nil {
			return model.Record{}, err
		}
		pmid = ids.PMID
	}
	if pmid == "" {
		return model.Record{}, nil
	}

	var resp struct {
		Result map[string]any `json:"result"`
	}
	q := p.params(url.Values{"db": {"pubmed"}, "id": {pmid}, "retmode": {"json"}})
	found, err := p.eutils.getJSON(ctx, "/esummary.fcgi", q, &resp)
	if err != nil || !found {
		return model.Record{}, err
	}
	raw, ok := resp.Result[pmid]
	if !ok {
		return model.Record{}, nil
	}
	doc, err := decodeAs[esummaryDoc](raw)
	if err != nil {
		return model.Record{}, err
	}

	names := make([]string, 0, len(doc.Authors))
	for _, a := range doc.Authors {
		if n := strings.TrimSpace(a.Name); n != "" {
			names = append(names, n)
		}
	}
	out := model.Record{
		Name:        strings.TrimSuffix(strings.TrimSpace(doc.Title), "."),
		Publication: doc.FullJournalName,
		Authors:     strings.Join(names, ", "),
		Year:        yearFromDate(doc.PubDate),
		PMID:        pmid,
	}
	if out.Publication == "" {
		out.Publication = doc.Source
	}
	for _, id := range doc.ArticleIDs {
		switch id.IDType {
		case "doi":
			out.DOI = model.NormalizeDOI(id.Value)
		case "pmc", "pmcid":
			out.PMCID = model.NormalizePMCID(strings.TrimPrefix(id.Value, "pmc-id: "))
		}
	}
	return out, nil
}
