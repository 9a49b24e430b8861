package tool

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/tracer"
)

// arXiv API defaults. The service asks clients to leave 3s between requests.
const (
	DefaultArxivURL       = "http://export.arxiv.org/api/query"
	defaultArxivInterval  = 3 * time.Second
	defaultArxivTimeout   = 30 * time.Second
	defaultArxivResults   = 10
	maxArxivResults       = 50
	maxArxivResponseBytes = 8 << 20
)

// ArxivConfig configures the arXiv search tool.
type ArxivConfig struct {
	Name       string
	BaseURL    string
	Interval   time.Duration
	Timeout    time.Duration
	MaxResults int
}

// Paper is one arXiv search hit.
type Paper struct {
	ID         string   `json:"id"`
	ArxivID    string   `json:"arxiv_id"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors"`
	Summary    string   `json:"summary"`
	Published  string   `json:"published"`
	Updated    string   `json:"updated,omitempty"`
	Year       string   `json:"year,omitempty"`
	URL        string   `json:"url"`
	PDFURL     string   `json:"pdf_url,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// ArxivSearch queries the arXiv Atom API.
type ArxivSearch struct {
	name       string
	baseURL    string
	maxResults int
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewArxivSearch creates the tool. Zero config fields use defaults.
func NewArxivSearch(cfg ArxivConfig, client *http.Client, logger *slog.Logger) *ArxivSearch {
	if cfg.Name == "" {
		cfg.Name = "search"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultArxivURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultArxivInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultArxivTimeout
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > maxArxivResults {
		cfg.MaxResults = maxArxivResults
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArxivSearch{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:     logger,
	}
}

// ArxivQuery is the decoded parameter set of the search tool.
type ArxivQuery struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	SortBy     string `json:"sort_by"`
	SortOrder  string `json:"sort_order"`
	Category   string `json:"category"`
	Author     string `json:"author"`
}

// Declaration returns the registry declaration of the tool.
func (a *ArxivSearch) Declaration() domain.ToolDeclaration {
	return domain.ToolDeclaration{
		Name:        a.name,
		Description: "Search arXiv for academic papers. Supports arXiv query syntax (ti:, au:, abs:, cat:, AND/OR).",
		Schema: domain.Object(map[string]*domain.ParamSchema{
			"query":       domain.String("Search query", true),
			"max_results": domain.Integer("Number of papers to return", false, 1, float64(a.maxResults)),
			"sort_by":     domain.String("Sort criterion", false, "relevance", "lastUpdatedDate", "submittedDate"),
			"sort_order":  domain.String("Sort order", false, "ascending", "descending"),
			"category":    domain.String("Restrict to an arXiv category such as cond-mat.mtrl-sci", false),
			"author":      domain.String("Restrict to an author name", false),
		}),
		Handler: Bind(a.name, a.logger, a.handle),
	}
}

func (a *ArxivSearch) handle(ctx context.Context, span trace.Span, p ArxivQuery) (any, error) {
	if err := ValidateAll(
		RequireField("query", p.Query),
		ValidateEnum("sort_by", p.SortBy, "relevance", "lastUpdatedDate", "submittedDate"),
		ValidateEnum("sort_order", p.SortOrder, "ascending", "descending"),
	); err != nil {
		return nil, InvalidParams("%v", err)
	}
	if p.MaxResults == 0 {
		p.MaxResults = defaultArxivResults
	}
	if err := ValidateRange("max_results", p.MaxResults, 1, a.maxResults); err != nil {
		return nil, InvalidParams("%v", err)
	}

	papers, err := a.Search(ctx, p)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("arxiv.results", len(papers)))
	return map[string]any{
		"query":  p.Query,
		"papers": papers,
		"total":  len(papers),
	}, nil
}

// Search runs one paced query against the API.
func (a *ArxivSearch) Search(ctx context.Context, p ArxivQuery) ([]Paper, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("arxiv pacing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.searchURL(p), nil)
	if err != nil {
		return nil, InvalidParams("build arxiv request: %v", err)
	}

	a.logger.Info("searching arxiv", "query", p.Query, "max_results", p.MaxResults)
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: arxiv request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArxivResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read arxiv response: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, arxivHTTPError(resp.StatusCode, body)
	}

	papers, err := parseArxivFeed(body)
	if err != nil {
		return nil, err
	}
	a.logger.Info("arxiv search done", "query", p.Query, "papers", len(papers))
	return papers, nil
}

func (a *ArxivSearch) searchURL(p ArxivQuery) string {
	query := p.Query
	if p.Category != "" {
		query = fmt.Sprintf("(%s) AND cat:%s", query, p.Category)
	}
	if p.Author != "" {
		query = fmt.Sprintf("(%s) AND au:%s", query, strconv.Quote(p.Author))
	}
	sortBy := p.SortBy
	if sortBy == "" {
		sortBy = "relevance"
	}
	sortOrder := p.SortOrder
	if sortOrder == "" {
		sortOrder = "descending"
	}

	v := url.Values{}
	v.Set("search_query", query)
	v.Set("start", "0")
	v.Set("max_results", strconv.Itoa(p.MaxResults))
	v.Set("sortBy", sortBy)
	v.Set("sortOrder", sortOrder)
	return a.baseURL + "?" + v.Encode()
}

func arxivHTTPError(status int, body []byte) error {
	detail := fmt.Sprintf("arxiv API error %d: %s", status, truncate(string(body), 200))
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", domain.ErrNetwork, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrNonRetryable, detail)
	}
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"link"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

// parseArxivFeed converts an Atom feed into papers. Entries without a title
// are skipped.
func parseArxivFeed(data []byte) ([]Paper, error) {
	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: parse arxiv feed: %v", domain.ErrNonRetryable, err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		title := collapseSpace(e.Title)
		if title == "" {
			continue
		}
		p := Paper{
			ID:        strings.TrimSpace(e.ID),
			Title:     title,
			Summary:   collapseSpace(e.Summary),
			Published: strings.TrimSpace(e.Published),
			Updated:   strings.TrimSpace(e.Updated),
			URL:       strings.TrimSpace(e.ID),
		}
		if i := strings.LastIndex(p.ID, "/"); i >= 0 {
			p.ArxivID = p.ID[i+1:]
		}
		if len(p.Published) >= 4 {
			p.Year = p.Published[:4]
		}
		for _, au := range e.Authors {
			if name := strings.TrimSpace(au.Name); name != "" {
				p.Authors = append(p.Authors, name)
			}
		}
		for _, l := range e.Links {
			if l.Title == "pdf" {
				p.PDFURL = l.Href
			}
		}
		for _, c := range e.Categories {
			if c.Term != "" {
				p.Categories = append(p.Categories, c.Term)
			}
		}
		papers = append(papers, p)
	}
	return papers, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate shortens s to at most n runes, appending "..." if truncated.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
