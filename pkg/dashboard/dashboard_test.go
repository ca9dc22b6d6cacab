package dashboard

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marcohefti/surfwright/pkg/scheduler"
	"github.com/marcohefti/surfwright/pkg/session"
)

func TestRenderSessionTableShowsActiveMarkerAndEmptyState(t *testing.T) {
	empty := renderSessionTable(nil, "", 80)
	assert.Contains(t, empty, "no sessions registered")

	rows := map[string]*session.Session{
		"p.auth": {
			ID: "p.auth", Kind: session.KindManaged, Policy: session.PolicyPersistent,
			LeaseExpiresAt: time.Now().Add(5 * time.Minute), LastSeenAt: time.Now(),
		},
	}
	out := renderSessionTable(rows, "p.auth", 80)
	assert.Contains(t, out, "p.auth")
	assert.Contains(t, out, "managed")
}

func TestRenderLaneTableShowsQueueDepthAndActivity(t *testing.T) {
	empty := renderLaneTable(scheduler.Stats{})
	assert.Contains(t, empty, "no active lanes")

	stats := scheduler.Stats{Lanes: []scheduler.LaneStats{
		{Key: "p.auth", QueueDepth: 2, Active: true},
		{Key: "p.checkout", QueueDepth: 0, Active: false},
	}}
	out := renderLaneTable(stats)
	assert.Contains(t, out, "p.auth")
	assert.Contains(t, out, "p.checkout")
	lines := strings.Split(out, "\n")
	assert.GreaterOrEqual(t, len(lines), 3)
}

func TestRenderLeaseReportsExpiredForPastDeadlines(t *testing.T) {
	assert.Contains(t, renderLease(time.Now().Add(-time.Minute)), "expired")
	assert.Contains(t, renderLease(time.Time{}), "-")
}

func TestRenderAgeBucketsRelativeToNow(t *testing.T) {
	assert.Equal(t, "never", renderAge(time.Time{}))
	assert.Contains(t, renderAge(time.Now().Add(-30*time.Second)), "s ago")
	assert.Contains(t, renderAge(time.Now().Add(-5*time.Minute)), "m ago")
	assert.Contains(t, renderAge(time.Now().Add(-2*time.Hour)), "h ago")
}

func TestValueOrFallsBackOnEmpty(t *testing.T) {
	assert.Equal(t, "fallback", valueOr("", "fallback"))
	assert.Equal(t, "set", valueOr("set", "fallback"))
}

func TestClampIntReturnsSmaller(t *testing.T) {
	assert.Equal(t, 5, clampInt(5, 10))
	assert.Equal(t, 10, clampInt(20, 10))
}
