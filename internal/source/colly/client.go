// Package collysource implements the external directory source using colly.
package collysource

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/leadscout/leadscout/internal/scrape"
	"github.com/leadscout/leadscout/internal/source/detector"
)

// Renderer loads a page with a headless browser when static HTML is not
// enough. Optional; nil disables promotion.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// Config controls collector behavior.
type Config struct {
	// BaseURL is the directory site root, e.g. https://directory.example.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client implements scrape.Source against the business directory.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	renderer      Renderer
	detect        *detector.Heuristic
	logger        *zap.Logger
}

// New builds a Client. renderer may be nil to disable headless promotion.
func New(cfg Config, renderer Renderer, detect *detector.Heuristic, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if detect == nil {
		detect = detector.NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	return &Client{
		cfg:           cfg,
		baseCollector: c,
		renderer:      renderer,
		detect:        detect,
		logger:        logger,
	}, nil
}

// SearchBusinesses fetches the directory listing page for a town (optionally
// filtered by industry) and parses the business entries.
func (c *Client) SearchBusinesses(ctx context.Context, town string, industry string) ([]scrape.Business, error) {
	searchURL := c.searchURL(town, industry)

	var businesses []scrape.Business
	collector := c.newCollector()
	collector.OnHTML("div.listing", func(e *colly.HTMLElement) {
		b := scrape.Business{
			Name:     strings.TrimSpace(e.ChildText(".name")),
			Phone:    strings.TrimSpace(e.ChildText(".phone")),
			Address:  strings.TrimSpace(e.ChildText(".address")),
			Website:  e.Request.AbsoluteURL(e.ChildAttr("a.website", "href")),
			Town:     town,
			Industry: industry,
		}
		if b.Name == "" {
			return
		}
		businesses = append(businesses, b)
	})

	if err := c.visit(ctx, collector, searchURL); err != nil {
		return nil, fmt.Errorf("search town=%q industry=%q: %w", town, industry, err)
	}
	return businesses, nil
}

// LookupProvider fetches the business's website and extracts the service
// provider details. Pages that appear JavaScript-rendered are retried
// through the headless renderer when one is configured.
func (c *Client) LookupProvider(ctx context.Context, business scrape.Business) (scrape.Business, error) {
	if business.Website == "" {
		return business, nil
	}

	var (
		statusCode int
		body       []byte
	)
	collector := c.newCollector()
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	if err := c.visit(ctx, collector, business.Website); err != nil {
		return business, fmt.Errorf("lookup %q: %w", business.Name, err)
	}

	if c.renderer != nil && c.detect.ShouldPromote(statusCode, body) {
		rendered, err := c.renderer.Render(ctx, business.Website)
		if err != nil {
			c.logger.Warn("headless promotion failed",
				zap.String("business", business.Name),
				zap.Error(err),
			)
		} else {
			body = rendered
		}
	}

	enriched, err := parseProvider(business, body)
	if err != nil {
		return business, fmt.Errorf("parse provider for %q: %w", business.Name, err)
	}
	return enriched, nil
}

func (c *Client) searchURL(town, industry string) string {
	q := url.Values{}
	q.Set("town", town)
	if industry != "" {
		q.Set("industry", industry)
	}
	return fmt.Sprintf("%s/search?%s", strings.TrimRight(c.cfg.BaseURL, "/"), q.Encode())
}

func (c *Client) newCollector() *colly.Collector {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	return collector
}

// visit runs the collector in a goroutine so the context stays in charge.
func (c *Client) visit(ctx context.Context, collector *colly.Collector, target string) error {
	var fetchErr error
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit failed: %w", err)
		}
		if fetchErr != nil {
			return fmt.Errorf("response failed: %w", fetchErr)
		}
		return nil
	}
}

// parseProvider pulls provider fields out of the business page.
func parseProvider(business scrape.Business, body []byte) (scrape.Business, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return business, fmt.Errorf("parse html: %w", err)
	}

	provider := strings.TrimSpace(doc.Find(".provider-name").First().Text())
	if provider == "" {
		provider = strings.TrimSpace(doc.Find("meta[name=provider]").AttrOr("content", ""))
	}
	business.Provider = provider

	enrichment := map[string]string{}
	if email := strings.TrimSpace(doc.Find("a[href^='mailto:']").AttrOr("href", "")); email != "" {
		enrichment["email"] = strings.TrimPrefix(email, "mailto:")
	}
	if hours := strings.TrimSpace(doc.Find(".opening-hours").First().Text()); hours != "" {
		enrichment["opening_hours"] = hours
	}
	if len(enrichment) > 0 {
		business.Enrichment = enrichment
	}
	return business, nil
}
