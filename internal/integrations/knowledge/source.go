// Package knowledge serves the knowledge-base text appended to the assistant
// prompt. Lookups are best-effort: failures yield the last good text or "".
package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL = 5 * time.Minute
	// maxChars bounds the prompt contribution of the knowledge base.
	maxChars = 12000
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Source caches the knowledge base read from the parameter store.
type Source struct {
	getter Getter
	name   string
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	text      string
	fetchedAt time.Time
	loaded    bool
}

// New creates a Source reading "<paramPrefix>/knowledge_base". A ttl <= 0
// selects the default of five minutes.
func New(getter Getter, paramPrefix string, ttl time.Duration) (*Source, error) {
	if getter == nil {
		return nil, errors.New("knowledge: getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("knowledge: parameter prefix must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Source{
		getter: getter,
		name:   paramPrefix + "/knowledge_base",
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Fetch returns the knowledge-base text. It never returns an error: a failed
// refresh serves the previous text, and a failed first load serves "".
func (s *Source) Fetch(ctx context.Context) string {
	if text, fresh := s.cached(); fresh {
		return text
	}

	// The lookup is shared with other callers, so one caller's cancellation
	// must not fail it for everyone.
	shared := context.WithoutCancel(ctx)
	v, _, _ := s.group.Do(s.name, func() (any, error) {
		if text, fresh := s.cached(); fresh {
			return text, nil
		}
		raw, err := s.getter.GetParameter(shared, s.name)
		if err != nil {
			stale, _ := s.cached()
			slog.Warn("knowledge base lookup failed", "param", s.name, "err", err, "stale_len", len(stale))
			return stale, nil
		}
		text := clip(strings.TrimSpace(raw))
		s.mu.Lock()
		s.text = text
		s.fetchedAt = s.now()
		s.loaded = true
		s.mu.Unlock()
		return text, nil
	})
	text, _ := v.(string)
	return text
}

func (s *Source) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text, s.loaded && s.now().Sub(s.fetchedAt) < s.ttl
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars])
}
