package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/hive-corporation/c2sync/internal/adapter/metrics"
	"github.com/hive-corporation/c2sync/internal/adapter/transport"
	"github.com/hive-corporation/c2sync/internal/core/domain"
)

const (
	criminalIPBaseURL  = "https://api.criminalip.io/"
	criminalIPEndpoint = "v1/banner/search"
)

// CriminalIPConfig controls paging and pacing against the feed.
type CriminalIPConfig struct {
	BaseURL  string
	Endpoint string
	APIKey   string

	PageSize  int
	MaxOffset int

	// RequestDelay is slept before every page; the feed enforces a
	// per-key throughput limit.
	RequestDelay time.Duration
	RetryDelay   time.Duration
	MaxAttempts  int
}

func DefaultCriminalIPConfig(apiKey string) CriminalIPConfig {
	return CriminalIPConfig{
		BaseURL:      criminalIPBaseURL,
		Endpoint:     criminalIPEndpoint,
		APIKey:       apiKey,
		PageSize:     10,
		MaxOffset:    9900,
		RequestDelay: 2 * time.Second,
		RetryDelay:   2 * time.Second,
		MaxAttempts:  70,
	}
}

type CriminalIPProvider struct {
	client *http.Client
	config CriminalIPConfig
	log    logrus.FieldLogger
}

func NewCriminalIPProvider(client *http.Client, config CriminalIPConfig, log logrus.FieldLogger) *CriminalIPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if config.PageSize <= 0 {
		config.PageSize = 10
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &CriminalIPProvider{
		client: client,
		config: config,
		log:    log,
	}
}

func (p *CriminalIPProvider) Name() string {
	return "criminalip"
}

type criminalIPResponse struct {
	Status *int            `json:"status"`
	Data   *criminalIPData `json:"data"`
}

type criminalIPData struct {
	Count  int                 `json:"count"`
	Result *[]criminalIPBanner `json:"result"`
}

type criminalIPBanner struct {
	IPAddress string `json:"ip_address"`
}

type criminalIPPage struct {
	count int
	ips   []string
}

// Fetch pages through every result of query. The first page must succeed
// since it carries the total count; later pages that exhaust their retries
// are abandoned and recorded in AbandonedOffsets.
func (p *CriminalIPProvider) Fetch(ctx context.Context, query string) (*domain.FetchResult, error) {
	log := p.log.WithFields(logrus.Fields{"provider": p.Name(), "query": query})

	first, err := p.fetchPage(ctx, query, 0)
	if err != nil {
		metrics.RecordFeedPage("abandoned")
		return nil, err
	}
	metrics.RecordFeedPage("ok")

	seen := domain.NewIPSet(first.ips...)
	result := &domain.FetchResult{
		Query: query,
		Total: first.count,
		Pages: 1,
	}

	pages := pageCount(first.count, p.config.PageSize)
	log.WithFields(logrus.Fields{"count": first.count, "pages": pages}).Info("feed result total")

	for page := 1; page < pages; page++ {
		offset := page * p.config.PageSize
		if p.config.MaxOffset > 0 && offset > p.config.MaxOffset {
			log.WithField("offset", offset).Error("reached maximum offset value, moving to the next query")
			break
		}

		resp, err := p.fetchPage(ctx, query, offset)
		if err != nil {
			if ctx.Err() != nil {
				result.IPs = seen.Slice()
				return result, ctx.Err()
			}
			metrics.RecordFeedPage("abandoned")
			log.WithField("offset", offset).WithError(err).Error("page abandoned after maximum retries")
			result.AbandonedOffsets = append(result.AbandonedOffsets, offset)
			continue
		}

		metrics.RecordFeedPage("ok")
		result.Pages++
		for _, ip := range resp.ips {
			seen.Add(ip)
		}
	}

	result.IPs = seen.Slice()
	return result, nil
}

// pageCount rounds count up to whole pages; an empty result is still one page.
func pageCount(count, pageSize int) int {
	if count <= 0 {
		return 1
	}
	return (count + pageSize - 1) / pageSize
}

// fetchPage retries the same offset at a fixed delay and stops after
// MaxAttempts attempts.
func (p *CriminalIPProvider) fetchPage(ctx context.Context, query string, offset int) (*criminalIPPage, error) {
	if err := transport.Pace(ctx, p.config.RequestDelay); err != nil {
		return nil, err
	}

	var page *criminalIPPage
	var lastErr *domain.FeedError
	attempts := 0

	operation := func() error {
		attempts++
		var err error
		page, err = p.requestPage(ctx, query, offset)
		if err == nil {
			return nil
		}
		var fe *domain.FeedError
		if errors.As(err, &fe) {
			lastErr = fe
			if !fe.Kind.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		kind, _ := domain.KindOf(err)
		metrics.RecordFeedRetry(kind.String())
		p.log.WithFields(logrus.Fields{
			"query":   query,
			"offset":  offset,
			"attempt": attempts,
			"kind":    kind.String(),
		}).WithError(err).Warn("feed page failed, retrying")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.config.RetryDelay), uint64(p.config.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if lastErr == nil {
			return nil, err
		}
		return nil, &domain.FeedError{
			Kind:     lastErr.Kind,
			Query:    query,
			Offset:   offset,
			Attempts: attempts,
			Err:      lastErr.Err,
		}
	}

	return page, nil
}

// requestPage performs one attempt and validates the body.
func (p *CriminalIPProvider) requestPage(ctx context.Context, query string, offset int) (*criminalIPPage, error) {
	fail := func(kind domain.ErrorKind, err error) error {
		return &domain.FeedError{Kind: kind, Query: query, Offset: offset, Err: err}
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("offset", strconv.Itoa(offset))
	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/" + strings.TrimLeft(p.config.Endpoint, "/") + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Criminal IP expects the key in a header
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fail(domain.NetworkTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(domain.NetworkTransient, fmt.Errorf("truncated response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := domain.ProtocolViolation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = domain.NetworkTransient
		}
		return nil, fail(kind, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var data criminalIPResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fail(domain.ProtocolViolation, fmt.Errorf("failed to decode feed json: %w", err))
	}

	if data.Status == nil || *data.Status != http.StatusOK {
		got := "missing"
		if data.Status != nil {
			got = strconv.Itoa(*data.Status)
		}
		return nil, fail(domain.ProtocolViolation, fmt.Errorf("body status %s, want 200", got))
	}

	if data.Data == nil || data.Data.Result == nil {
		return nil, fail(domain.ProtocolViolation, errors.New("response has no result array"))
	}

	page := &criminalIPPage{count: data.Data.Count}
	for _, banner := range *data.Data.Result {
		ip := domain.NormalizeIP(banner.IPAddress)
		if ip == "" {
			p.log.WithField("ip_address", banner.IPAddress).Debug("skipping invalid ip_address")
			continue
		}
		page.ips = append(page.ips, ip)
	}

	return page, nil
}
