package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowSubmit(t *testing.T) {
	t.Parallel()

	// 1 RPS with burst 2: two immediate submissions, the third is deferred.
	l := New(Config{DefaultRPS: 1, DefaultBurst: 2})
	url := "https://example.com/foo"

	require.True(t, l.AllowSubmit(url))
	require.True(t, l.AllowSubmit(url))
	require.False(t, l.AllowSubmit(url))
}

func TestLimiter_DifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})

	require.True(t, l.AllowSubmit("https://a.com/1"))
	require.False(t, l.AllowSubmit("https://A.com/2"), "hostnames are case-insensitive")
	require.True(t, l.AllowSubmit("https://b.com/1"), "domain B must not be blocked by A")
}

func TestLimiter_Refills(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 20, DefaultBurst: 1})
	require.True(t, l.AllowSubmit("https://c.com"))
	require.Eventually(t, func() bool { return l.AllowSubmit("https://c.com") }, time.Second, 10*time.Millisecond)
}

func TestLimiter_DisabledWhenRateUnset(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.AllowSubmit("https://d.com"))
	}
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "news.example.com", domainOf("https://News.Example.com:8443/a?b=c"))
	require.Equal(t, "unknown", domainOf("not a url"))
	require.Equal(t, "unknown", domainOf(""))
}
