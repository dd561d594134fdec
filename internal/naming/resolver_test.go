package naming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, mutate ...func(*config.NamingConfig)) *Resolver {
	t.Helper()

	cfg := config.DefaultNaming()
	for _, m := range mutate {
		m(&cfg)
	}

	r, err := New(cfg, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	require.NoError(t, err)
	return r
}

func TestResolve_EmptySourceUsesFallbacks(t *testing.T) {
	t.Parallel()

	r := newResolver(t)

	got, err := r.Resolve(context.Background(), "bag", Fields{})
	require.NoError(t, err)
	assert.Equal(t, "Anonymous's Unknown Bean Unknown Roast", got)

	got, err = r.Resolve(context.Background(), "bag", nil)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous's Unknown Bean Unknown Roast", got)
}

func TestResolve_BlankValuesCountAsMissing(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	var nilName *string
	blank := "   "

	got, err := r.Resolve(context.Background(), "barista", Fields{
		"firstName": nilName,
		"lastName":  &blank,
	})
	require.NoError(t, err)
	assert.Equal(t, "Anonymous Barista", got)
}

func TestResolve_PreservesUnicodeAndCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	r := newResolver(t)

	got, err := r.Resolve(context.Background(), "bag", Fields{
		"ownerDisplayName": "  Zoë \n",
		"beanName":         "Café\t\tde  Olla ☕",
		"roastDate":        time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "Zoë's Café de Olla ☕ 2024-03-05", got)
}

func TestResolve_DatesUseDefaultTimezone(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	ts := time.Date(2024, 3, 5, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))

	got, err := r.Resolve(context.Background(), "brew", Fields{
		"bagName":     "Hambela",
		"baristaName": "Ana",
		"brewDate":    &ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hambela by Ana on 2024-03-06", got)
}

func TestResolve_UnknownTemplate(t *testing.T) {
	t.Parallel()

	r := newResolver(t)

	_, err := r.Resolve(context.Background(), "grinder", Fields{})
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestResolve_TooLongFallsBackToFallbackRendering(t *testing.T) {
	t.Parallel()

	r := newResolver(t)

	got, err := r.Resolve(context.Background(), "barista", Fields{
		"firstName": strings.Repeat("a", 300),
		"lastName":  "Smith",
	})
	require.NoError(t, err)
	assert.Equal(t, "Anonymous Barista", got)
}

func TestResolve_LengthCountsComposedCharacters(t *testing.T) {
	t.Parallel()

	r := newResolver(t, func(c *config.NamingConfig) {
		c.MaxLength = 17
		c.Templates = map[string]config.TemplateConfig{
			"barista": config.DefaultNaming().Templates["barista"],
		}
	})

	// 12 decomposed "é" are 24 runes but 12 characters once composed.
	decomposed := strings.Repeat("e\u0301", 12)
	got, err := r.Resolve(context.Background(), "barista", Fields{
		"firstName": decomposed,
		"lastName":  "Li",
	})
	require.NoError(t, err)
	assert.Equal(t, decomposed+" Li", got, "output keeps its original normalization form")
}

func TestNew_RejectsBadTemplates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.NamingConfig)
	}{
		{"missing fallback", func(c *config.NamingConfig) {
			c.Templates["bag"] = config.TemplateConfig{Pattern: "{beanName} {origin}", Fallbacks: map[string]string{"beanName": "Bean"}}
		}},
		{"blank fallback", func(c *config.NamingConfig) {
			c.Templates["barista"] = config.TemplateConfig{Pattern: "{firstName}", Fallbacks: map[string]string{"firstName": " "}}
		}},
		{"unclosed placeholder", func(c *config.NamingConfig) {
			c.Templates["brew"] = config.TemplateConfig{Pattern: "{bagName", Fallbacks: map[string]string{"bagName": "Bag"}}
		}},
		{"empty placeholder", func(c *config.NamingConfig) {
			c.Templates["brew"] = config.TemplateConfig{Pattern: "{}", Fallbacks: map[string]string{}}
		}},
		{"fallback longer than max", func(c *config.NamingConfig) {
			c.MaxLength = 5
		}},
		{"bad timezone", func(c *config.NamingConfig) {
			c.DefaultTimezone = "Nowhere/Atlantis"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultNaming()
			tt.mutate(&cfg)

			_, err := New(cfg)
			assert.True(t, apperrors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestResolve_FetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	r := newResolver(t, func(c *config.NamingConfig) { c.MaxRetries = 3 })
	var calls atomic.Int32

	got, err := r.Resolve(context.Background(), "brew", Fields{
		"bagName": "Hambela",
		"baristaName": Fetch{Key: "barista:7", Do: func(ctx context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", apperrors.Transient("get barista", errors.New("connection reset"))
			}
			return "Ana", nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hambela by Ana on Undated", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResolve_FetchExhaustionUsesFallback(t *testing.T) {
	t.Parallel()

	r := newResolver(t, func(c *config.NamingConfig) { c.MaxRetries = 2 })
	var calls atomic.Int32

	got, err := r.Resolve(context.Background(), "brew", Fields{
		"baristaName": Fetch{Do: func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", errors.New("503")
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Unknown Bag by Anonymous on Undated", got)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestResolve_FetchTimeoutPerAttempt(t *testing.T) {
	t.Parallel()

	r := newResolver(t, func(c *config.NamingConfig) {
		c.MaxRetries = 1
		c.Timeout = 20 * time.Millisecond
	})
	var calls atomic.Int32

	start := time.Now()
	got, err := r.Resolve(context.Background(), "barista", Fields{
		"firstName": Fetch{Do: func(ctx context.Context) (string, error) {
			calls.Add(1)
			<-ctx.Done()
			return "", ctx.Err()
		}},
		"lastName": "Lee",
	})
	require.NoError(t, err)
	assert.Equal(t, "Anonymous Lee", got)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestResolve_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	var calls atomic.Int32

	got, err := r.Resolve(context.Background(), "barista", Fields{
		"firstName": Fetch{Do: func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", apperrors.NotFound("barista", "9")
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Anonymous Barista", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolve_ConcurrentFetchesShareOneLookup(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := Fetch{Key: "barista:1", Do: func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "Ana", nil
	}}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.Resolve(context.Background(), "barista", Fields{"firstName": fetch, "lastName": "Lee"})
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, "Ana Lee", got)
	}
	assert.LessOrEqual(t, calls.Load(), int32(5))
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	src := Fields{"ownerDisplayName": "Ana", "beanName": "Gesha", "roastDate": "2024-01-01"}

	first, err := r.Resolve(context.Background(), "bag", src)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		got, err := r.Resolve(context.Background(), "bag", src)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestResolve_Golden(t *testing.T) {
	t.Parallel()

	r := newResolver(t)
	roast := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		template string
		src      Fields
	}{
		{"bag-empty", "bag", Fields{}},
		{"bag-full", "bag", Fields{"ownerDisplayName": "Maëlle", "beanName": "Ethiopia Guji ☕", "roastDate": roast}},
		{"bag-whitespace", "bag", Fields{"ownerDisplayName": "  Ana  ", "beanName": "Kenya\t\tAA", "roastDate": "   "}},
		{"brew-partial", "brew", Fields{"bagName": "Hambela", "baristaName": nil, "brewDate": roast}},
		{"barista-accent", "barista", Fields{"firstName": "José", "lastName": ""}},
		{"barista-cjk", "barista", Fields{"firstName": "山田", "lastName": "太郎"}},
	}

	var buf bytes.Buffer
	for _, c := range cases {
		got, err := r.Resolve(context.Background(), c.template, c.src)
		require.NoError(t, err)
		fmt.Fprintf(&buf, "%s => %s\n", c.name, got)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "resolve", buf.Bytes())
}

func TestParseTemplate_Placeholders(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseTemplate("brew", "{bagName} by {baristaName}", map[string]string{"bagName": "Bag", "baristaName": "Someone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bagName", "baristaName"}, tmpl.Placeholders())
}
