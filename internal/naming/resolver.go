package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"brewlog/internal/apperrors"
	"brewlog/internal/config"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// Resolver renders display names. It is safe for concurrent use.
type Resolver struct {
	cfg       config.NamingConfig
	loc       *time.Location
	templates map[string]*Template
	fallbacks map[string]string

	group      singleflight.Group
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithBackOff replaces the delay policy between fetch attempts. The attempt
// count is still bounded by MaxRetries.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Resolver) { r.newBackOff = newBackOff }
}

// New validates cfg and builds a resolver. Every template must render within
// the configured length bounds using fallbacks alone.
func New(cfg config.NamingConfig, opts ...Option) (*Resolver, error) {
	if cfg.MinLength < 1 || cfg.MaxLength < cfg.MinLength {
		return nil, apperrors.Configuration("length", fmt.Sprintf("invalid bounds [%d,%d]", cfg.MinLength, cfg.MaxLength))
	}
	if cfg.MaxRetries < 0 {
		return nil, apperrors.Configuration("maxRetries", "must not be negative")
	}
	if cfg.Timeout <= 0 {
		return nil, apperrors.Configuration("timeoutMs", "must be positive")
	}

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, apperrors.Configuration("defaultTimezone", err.Error())
	}

	r := &Resolver{
		cfg:       cfg,
		loc:       loc,
		templates: make(map[string]*Template, len(cfg.Templates)),
		fallbacks: make(map[string]string, len(cfg.Templates)),
		logger:    slog.Default(),
	}
	r.newBackOff = r.defaultBackOff

	for _, opt := range opts {
		opt(r)
	}

	names := make([]string, 0, len(cfg.Templates))
	for name := range cfg.Templates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tc := cfg.Templates[name]
		tmpl, err := ParseTemplate(name, tc.Pattern, tc.Fallbacks)
		if err != nil {
			return nil, err
		}

		fb := tmpl.renderFallbacks()
		if !r.withinBounds(fb) {
			return nil, apperrors.Configuration("templates."+name,
				fmt.Sprintf("fallback rendering %q is outside [%d,%d] characters", fb, cfg.MinLength, cfg.MaxLength))
		}

		r.templates[name] = tmpl
		r.fallbacks[name] = fb
	}

	return r, nil
}

// Templates returns the configured template names, sorted.
func (r *Resolver) Templates() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve renders template name against src. The only error is a
// ConfigurationError for an unknown template; missing data, failed fetches and
// cancellation all degrade to fallbacks.
func (r *Resolver) Resolve(ctx context.Context, name string, src Source) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", apperrors.Configuration("templates."+name, "unknown template")
	}
	if src == nil {
		src = Fields{}
	}

	out := tmpl.render(func(key string) string {
		return r.value(ctx, name, key, src)
	})

	if !r.withinBounds(out) {
		r.logger.Warn("resolved name outside length bounds, using fallbacks",
			"template", name,
			"length", utf8.RuneCountInString(norm.NFC.String(out)),
		)
		return r.fallbacks[name], nil
	}
	return out, nil
}

// Fallback returns the all-fallback rendering of template name.
func (r *Resolver) Fallback(name string) (string, error) {
	fb, ok := r.fallbacks[name]
	if !ok {
		return "", apperrors.Configuration("templates."+name, "unknown template")
	}
	return fb, nil
}

// withinBounds measures length in characters of the NFC form, so a composed
// and a decomposed "é" count the same. The rendered string itself is left as is.
func (r *Resolver) withinBounds(s string) bool {
	n := utf8.RuneCountInString(norm.NFC.String(s))
	return n >= r.cfg.MinLength && n <= r.cfg.MaxLength
}

func (r *Resolver) value(ctx context.Context, tmpl, key string, src Source) string {
	v, ok := src.Lookup(key)
	if !ok {
		return ""
	}

	switch f := v.(type) {
	case Fetch:
		return r.fetch(ctx, tmpl, key, f)
	case *Fetch:
		if f == nil {
			return ""
		}
		return r.fetch(ctx, tmpl, key, *f)
	}

	s, _ := formatValue(v, r.loc)
	return s
}

func (r *Resolver) fetch(ctx context.Context, tmpl, key string, f Fetch) string {
	if f.Do == nil {
		return ""
	}

	do := func() (any, error) { return r.fetchWithRetry(ctx, f) }

	var (
		v   any
		err error
	)
	if f.Key != "" {
		v, err, _ = r.group.Do(f.Key, do)
	} else {
		v, err = do()
	}

	if err != nil {
		r.logger.Warn("name lookup failed, using fallback",
			"template", tmpl,
			"placeholder", key,
			"fetch_key", f.Key,
			"error", err,
		)
		return ""
	}
	return v.(string)
}

func (r *Resolver) fetchWithRetry(ctx context.Context, f Fetch) (string, error) {
	var result string
	attempts := 0

	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		v, err := f.Do(attemptCtx)
		if err != nil {
			if apperrors.IsNotFound(err) || apperrors.IsValidation(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return "", fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return result, nil
}

func (r *Resolver) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
