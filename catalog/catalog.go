// Package catalog scrapes product snapshots from a static catalog site.
//
// A Catalog walks a fixed list of per-model pages, extracts the annotated
// product fields from each, and returns one snapshot per page, all stamped
// with a single cycle timestamp. Extraction is all-or-nothing: any missing
// required field aborts the whole cycle with no partial results.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/tarif/extract"
	"github.com/hazyhaar/tarif/fetch"
	"github.com/hazyhaar/tarif/history"
	"github.com/hazyhaar/tarif/pricing"
)

// Source yields product snapshots from some origin.
type Source interface {
	Fetch(ctx context.Context) ([]history.Snapshot, error)
}

var (
	// ErrMissingElement marks a required selector that matched nothing.
	ErrMissingElement = errors.New("catalog: missing required element")
	// ErrMissingAttr marks a required attribute that is absent or empty.
	ErrMissingAttr = errors.New("catalog: missing required attribute")
	// ErrUnknownModel marks an extracted model outside the configured set.
	ErrUnknownModel = errors.New("catalog: model not in configured set")
)

// Selectors locate the product fields on a page.
type Selectors struct {
	Title     string // required text
	Model     string // required text
	Price     string // required text, fed to pricing.Parse
	SKU       string // optional text
	Image     string // required element
	ImageAttr string // required attribute on the image element
}

func (s *Selectors) defaults() {
	if s.Title == "" {
		s.Title = "[data-testid=product-title]"
	}
	if s.Model == "" {
		s.Model = "[data-testid=product-model]"
	}
	if s.Price == "" {
		s.Price = "[data-testid=product-price]"
	}
	if s.SKU == "" {
		s.SKU = "[data-testid=product-sku]"
	}
	if s.Image == "" {
		s.Image = "[data-testid=product-image]"
	}
	if s.ImageAttr == "" {
		s.ImageAttr = "src"
	}
}

// Config configures a Catalog.
type Config struct {
	// BaseURL is the catalog root; page paths and image references resolve
	// against it. A missing trailing slash is added.
	BaseURL string

	// Pages are the relative per-model page paths.
	Pages []string

	// SourceTag names this origin on every snapshot.
	SourceTag string

	// Currency code stamped on every snapshot.
	Currency string

	// Models is the closed set of accepted model identifiers.
	Models []string

	// Selectors locate the product fields.
	Selectors Selectors

	// Fetch settings for page retrieval.
	Fetch fetch.Config
}

func (c *Config) defaults() {
	if len(c.Pages) == 0 {
		c.Pages = []string{"iphone-15.html", "iphone-16.html", "iphone-17.html"}
	}
	if c.SourceTag == "" {
		c.SourceTag = "github_pages_catalog"
	}
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	if len(c.Models) == 0 {
		c.Models = []string{"iphone_15", "iphone_16", "iphone_17"}
	}
	c.Selectors.defaults()
}

// Catalog implements Source for a static product catalog site.
type Catalog struct {
	config  Config
	base    *url.URL
	models  map[string]bool
	fetcher *fetch.Fetcher
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Catalog.
type Option func(*Catalog)

// WithFetcher replaces the page fetcher.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(c *Catalog) { c.fetcher = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithNow replaces the cycle clock.
func WithNow(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// New creates a Catalog.
func New(cfg Config, opts ...Option) (*Catalog, error) {
	cfg.defaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("catalog: base URL required")
	}
	raw := cfg.BaseURL
	if raw[len(raw)-1] != '/' {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse base URL %q: %w", cfg.BaseURL, err)
	}

	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = true
	}

	c := &Catalog{
		config:  cfg,
		base:    base,
		models:  models,
		fetcher: fetch.New(cfg.Fetch),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch retrieves every configured page and returns one snapshot per page.
// All snapshots of a cycle share one timestamp. The first fault aborts the
// cycle; no partial result is returned.
func (c *Catalog) Fetch(ctx context.Context) ([]history.Snapshot, error) {
	now := c.now().UTC()
	out := make([]history.Snapshot, 0, len(c.config.Pages))

	for _, page := range c.config.Pages {
		snap, err := c.scrapePage(ctx, page, now)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (c *Catalog) scrapePage(ctx context.Context, page string, now time.Time) (*history.Snapshot, error) {
	pageURL, err := c.resolve(page)
	if err != nil {
		return nil, err
	}

	res, err := c.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := extract.Parse(string(res.Body))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", pageURL, err)
	}

	sel := c.config.Selectors
	title, err := requiredText(doc, sel.Title, pageURL)
	if err != nil {
		return nil, err
	}
	model, err := requiredText(doc, sel.Model, pageURL)
	if err != nil {
		return nil, err
	}
	priceText, err := requiredText(doc, sel.Price, pageURL)
	if err != nil {
		return nil, err
	}
	sku := optionalText(doc, sel.SKU)

	imgNode := extract.First(doc, sel.Image)
	if imgNode == nil {
		return nil, fmt.Errorf("%w: %q on %s", ErrMissingElement, sel.Image, pageURL)
	}
	imgSrc := extract.Attr(imgNode, sel.ImageAttr)
	if imgSrc == "" {
		return nil, fmt.Errorf("%w: %q in %q on %s", ErrMissingAttr, sel.ImageAttr, sel.Image, pageURL)
	}

	if !c.models[model] {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownModel, model, pageURL)
	}

	price, err := pricing.Parse(priceText)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", pageURL, err)
	}

	imageURL, err := c.resolve(imgSrc)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("scraped product page",
		"url", pageURL, "model", model, "price", price)

	return &history.Snapshot{
		Timestamp:  now,
		Source:     c.config.SourceTag,
		Model:      model,
		Title:      title,
		SKU:        sku,
		Currency:   c.config.Currency,
		Price:      price,
		ProductURL: pageURL,
		ImageURL:   imageURL,
	}, nil
}

// resolve joins a possibly relative reference with the catalog base URL.
func (c *Catalog) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("catalog: parse reference %q: %w", ref, err)
	}
	return c.base.ResolveReference(u).String(), nil
}

func requiredText(doc *html.Node, selector, pageURL string) (string, error) {
	n := extract.First(doc, selector)
	if n == nil {
		return "", fmt.Errorf("%w: %q on %s", ErrMissingElement, selector, pageURL)
	}
	return extract.Text(n), nil
}

func optionalText(doc *html.Node, selector string) string {
	n := extract.First(doc, selector)
	if n == nil {
		return ""
	}
	return extract.Text(n)
}
