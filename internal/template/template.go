// Package template resolves message templates from the shared store and
// substitutes named placeholders at admission.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/busybox42/mailflow/internal/cache"
	"github.com/busybox42/mailflow/internal/store"
)

// ErrNotFound indicates an unknown template id.
var ErrNotFound = errors.New("template not found")

const keyPrefix = "template:"

// Store fetches templates by id, fronted by a read-through cache so repeated
// templated submissions do not hit the backing store every time.
type Store struct {
	kv       store.KV
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewStore creates a template store. cache may be nil to disable caching.
func NewStore(kv store.KV, c cache.Cache, cacheTTL time.Duration) *Store {
	return &Store{
		kv:       kv,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   slog.Default().With("component", "template"),
	}
}

// Fetch returns the template body for id, or ErrNotFound.
func (s *Store) Fetch(ctx context.Context, id string) (string, error) {
	key := keyPrefix + id

	if s.cache != nil {
		if body, err := s.cache.Get(ctx, key); err == nil {
			return body, nil
		} else if err != cache.ErrNotFound {
			s.logger.Warn("template cache read failed", "template_id", id, "error", err)
		}
	}

	body, err := s.kv.Get(ctx, key)
	if err == store.ErrNotFound {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, body, s.cacheTTL); err != nil {
			s.logger.Warn("template cache write failed", "template_id", id, "error", err)
		}
	}

	return body, nil
}

// Render substitutes {name} placeholders in tmpl from data. "{{" and "}}"
// escape literal braces. An undefined placeholder is an error so a half-
// rendered body never enters the pipeline.
func Render(tmpl string, data map[string]interface{}) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]

		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}

			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed placeholder at offset %d", i)
			}

			name := tmpl[i+1 : i+end]
			value, ok := data[name]
			if !ok {
				return "", fmt.Errorf("undefined placeholder %q", name)
			}
			fmt.Fprint(&b, value)
			i += end + 1

		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("unmatched '}' at offset %d", i)

		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String(), nil
}
