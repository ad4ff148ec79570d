package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("rollouts", false)

	m.ActionsCreated("manual", 3)
	m.ActionsCreated("manual", 0)
	m.ActionsCreated("rollout", 2)
	m.FeedbackRecorded(domain.ActionStatusFinished)
	m.FeedbackRecorded(domain.ActionStatusFinished)
	m.ActionsPurged(4)
	m.GroupDecided(domain.GroupSucceeded)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.actionsCreated.WithLabelValues("manual")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.actionsCreated.WithLabelValues("rollout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.feedbackRecorded.WithLabelValues("FINISHED")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.actionsPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.groupDecisions.WithLabelValues(domain.GroupSucceeded.String())))
}

func TestMetrics_RolloutTickHistogram(t *testing.T) {
	m := NewMetrics("rollouts", false)
	m.RolloutTick(20*time.Millisecond, nil)
	m.RolloutTick(time.Second, errors.New("boom"))

	n, err := testutil.GatherAndCount(m.Registry(), "rollouts_rollout_tick_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result label")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ActionsCreated("manual", 1)
	m.FeedbackRecorded(domain.ActionStatusError)
	m.ActionsPurged(1)
	m.RolloutTick(time.Second, nil)
	m.GroupDecided(domain.GroupFailed)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("rollouts", true)
	m.ActionsCreated("offline", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `rollouts_actions_created_total{source="offline"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
