package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()

	r.JobStarted("dirlist")
	r.TargetFinished("dirlist", "ok", time.Second)
	r.TargetFinished("dirlist", "ConnectError", time.Second)
	r.ConnectAttempt("cb", errors.New("timeout"))
	r.ConnectAttempt("cb", nil)
	r.SessionOpened("cb")
	r.SessionOpened("cb")
	r.SessionClosed("cb")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("dirlist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.targets.WithLabelValues("dirlist", "ConnectError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("cb", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessions.WithLabelValues("cb")))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.JobStarted("p")
		r.TargetFinished("p", "ok", 0)
		r.ConnectAttempt("b", nil)
		r.SessionOpened("b")
		r.SessionClosed("b")
	})
}

func TestHandler(t *testing.T) {
	r := New()
	r.JobStarted("facts")

	mux := http.NewServeMux()
	r.RegisterMetrics(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `leet_jobs_total{plugin="facts"} 1`)
}
