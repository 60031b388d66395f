package metrics

// ============================================================================
// 指標收集器測試
// ============================================================================

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

// TestCollectorCounters 測試計數器累計
func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.EventAppended()
	c.EventAppended()
	c.EventDropped()
	c.RecordSkippedLines(3)
	c.RecordTransition()
	c.RecordCountdownSnapshot()

	body := scrape(t, c)
	assert.Contains(t, body, "moly_events_appended_total 2")
	assert.Contains(t, body, "moly_events_dropped_total 1")
	assert.Contains(t, body, "moly_replay_lines_skipped_total 3")
	assert.Contains(t, body, "moly_screen_transitions_total 1")
	assert.Contains(t, body, "moly_countdown_snapshots_total 1")
}

// TestCollectorGauges 測試瞬時值更新
func TestCollectorGauges(t *testing.T) {
	c := NewCollector()

	c.SetRecoveryTime(0.25)
	c.SetCountdownRemaining(118.5)

	body := scrape(t, c)
	assert.Contains(t, body, "moly_recovery_time_seconds 0.25")
	assert.Contains(t, body, "moly_countdown_remaining_seconds 118.5")
}

// TestIndependentCollectors 測試多個收集器互不干擾
func TestIndependentCollectors(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.EventAppended()

	assert.Contains(t, scrape(t, a), "moly_events_appended_total 1")
	assert.Contains(t, scrape(t, b), "moly_events_appended_total 0")
}
