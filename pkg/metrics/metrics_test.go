package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vercel-eddie/tubeshell/pkg/splice"
)

func TestObserverRecordsSplice(t *testing.T) {
	m := New()
	o := m.Observer()

	o.Transferring()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.active))

	o.Finished(splice.Result{Started: true, Forward: 10, Reverse: 4, Duration: time.Second})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.active))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("success")))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.bytes.WithLabelValues(splice.Forward.String())))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.bytes.WithLabelValues(splice.Reverse.String())))
}

func TestObserverIgnoresSpliceThatNeverStarted(t *testing.T) {
	m := New()

	op := splice.Start(context.Background(), nil, nil, splice.WithObserver(m.Observer()))
	<-op.Done()

	assert.Equal(t, float64(0), testutil.ToFloat64(m.active))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("error")))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "success"},
		{name: "cancelled", err: context.Canceled, want: "cancelled"},
		{name: "deadline", err: context.DeadlineExceeded, want: "cancelled"},
		{name: "close", err: &splice.CloseError{Stream: 2, Err: io.ErrClosedPipe}, want: "close_error"},
		{name: "direction", err: &splice.DirectionError{Direction: splice.Forward, Op: "read", Err: errors.New("reset")}, want: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	o := m.Observer()
	o.Transferring()
	o.Finished(splice.Result{Err: context.Canceled, Started: true})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tubeshell_splices_total{outcome="cancelled"} 1`)
	assert.Contains(t, string(body), "tubeshell_splices_active 0")
}
