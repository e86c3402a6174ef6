// Package ingest implements the collected-item intake contract of
// spec.md §6: external scrapers hand the core normalized drafts; the
// core assigns the period label, rejects duplicates on
// (platform, url, run_id), and drops noise items before they ever
// enter the store (spec.md §4.5's noise filter applies here, at the
// ingestion boundary).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/echoman-project/echoman/pkg/clock"
	"github.com/echoman-project/echoman/pkg/models"
	"github.com/echoman-project/echoman/pkg/store"
)

var (
	// ErrNoise is returned when a draft's title or URL matches a
	// configured noise pattern. The item never enters the store.
	ErrNoise = errors.New("ingest: noise item rejected")

	// ErrDuplicate is returned when a draft's (platform, url, run_id)
	// triple already exists.
	ErrDuplicate = errors.New("ingest: duplicate item")

	// ErrInvalidDraft is returned when a draft fails structural
	// validation (unknown platform, empty title, missing run id).
	ErrInvalidDraft = errors.New("ingest: invalid draft")
)

// Draft is the normalized record an external scraper submits. The core
// owns everything the draft does not carry: the surrogate id, the
// period label, and the initial merge_status.
type Draft struct {
	Platform     string
	Title        string
	Summary      string
	URL          string
	PublishedAt  *time.Time
	FetchedAt    time.Time // server-assigned when zero
	HeatValue    *float64
	Interactions map[string]int64
	RunID        string
}

// NoiseFilter rejects list-page artifacts and other scraper noise by
// title or URL pattern. Patterns are anchored however the operator
// writes them; matching is plain regexp over the raw strings.
type NoiseFilter struct {
	titles []*regexp.Regexp
	urls   []*regexp.Regexp
}

// NewNoiseFilter compiles the configured title and URL patterns.
func NewNoiseFilter(titlePatterns, urlPatterns []string) (*NoiseFilter, error) {
	f := &NoiseFilter{}
	for _, p := range titlePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ingest: bad noise title pattern %q: %w", p, err)
		}
		f.titles = append(f.titles, re)
	}
	for _, p := range urlPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ingest: bad noise url pattern %q: %w", p, err)
		}
		f.urls = append(f.urls, re)
	}
	return f, nil
}

// Matches reports whether title or url hits any configured pattern.
func (f *NoiseFilter) Matches(title, url string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.titles {
		if re.MatchString(title) {
			return true
		}
	}
	if url == "" {
		return false
	}
	for _, re := range f.urls {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Service is the intake. It is the only writer that creates
// SourceItems; every item it accepts enters the state machine at
// pending_event_merge.
type Service struct {
	Items *store.SourceItemStore
	Noise *NoiseFilter
}

// Result summarizes one intake batch for the caller (the external
// trigger surface reports these counters back to the scraper).
type Result struct {
	Accepted   int
	Duplicates int
	Rejected   int
}

// Ingest validates and persists one draft, returning the stored item.
// The period label is computed from fetched_at in Asia/Shanghai.
func (s *Service) Ingest(ctx context.Context, d Draft) (models.SourceItem, error) {
	if !models.Platform(d.Platform).Valid() {
		return models.SourceItem{}, fmt.Errorf("%w: unknown platform %q", ErrInvalidDraft, d.Platform)
	}
	if strings.TrimSpace(d.Title) == "" {
		return models.SourceItem{}, fmt.Errorf("%w: empty title", ErrInvalidDraft)
	}
	if d.RunID == "" {
		return models.SourceItem{}, fmt.Errorf("%w: missing run id", ErrInvalidDraft)
	}
	if s.Noise.Matches(d.Title, d.URL) {
		return models.SourceItem{}, ErrNoise
	}

	fetchedAt := d.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = clock.Now()
	}
	_, periodKey := clock.Label(fetchedAt)

	item := models.SourceItem{
		ItemID:       store.NewID(),
		Platform:     d.Platform,
		Title:        d.Title,
		Summary:      d.Summary,
		URL:          d.URL,
		PublishedAt:  d.PublishedAt,
		FetchedAt:    fetchedAt,
		Interactions: d.Interactions,
		HeatValue:    d.HeatValue,
		RunID:        d.RunID,
		Period:       periodKey,
		MergeStatus:  models.MergeStatusPendingEventMerge,
	}
	if err := s.Items.Create(ctx, item); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return models.SourceItem{}, ErrDuplicate
		}
		return models.SourceItem{}, fmt.Errorf("ingest: persist item: %w", err)
	}
	return item, nil
}

// IngestBatch runs Ingest over drafts, counting outcomes. Noise,
// duplicate, and invalid drafts are dropped without failing the batch;
// a storage error aborts it with the counters accumulated so far.
func (s *Service) IngestBatch(ctx context.Context, drafts []Draft) (Result, error) {
	var res Result
	for _, d := range drafts {
		_, err := s.Ingest(ctx, d)
		switch {
		case err == nil:
			res.Accepted++
		case errors.Is(err, ErrDuplicate):
			res.Duplicates++
		case errors.Is(err, ErrNoise), errors.Is(err, ErrInvalidDraft):
			res.Rejected++
		default:
			return res, err
		}
	}
	return res, nil
}
