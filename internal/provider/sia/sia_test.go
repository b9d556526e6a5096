package sia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	require.Equal(t, 250*time.Millisecond, backoff(0))
	require.Equal(t, 500*time.Millisecond, backoff(1))
	require.Equal(t, time.Second, backoff(2))
	require.Equal(t, 4*time.Second, backoff(10), "must cap rather than grow unbounded")
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(Options{})
	require.Equal(t, "http://127.0.0.1:9980", p.opt.APIURL)
	require.Equal(t, defaultUserAgent, p.opt.UserAgent)
}

func TestNewPreservesExplicitOptions(t *testing.T) {
	p := New(Options{APIURL: "http://example:1234", UserAgent: "custom"})
	require.Equal(t, "http://example:1234", p.opt.APIURL)
	require.Equal(t, "custom", p.opt.UserAgent)
}

func TestNameReturnsSia(t *testing.T) {
	require.Equal(t, "sia", New(Options{}).Name())
}
