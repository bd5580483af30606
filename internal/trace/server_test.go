package trace

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"traceserver/internal/store"
	"traceserver/internal/store/memory"
	"traceserver/internal/traceerr"
)

const project = "acme/evals"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxRetries = 3
	opts.InitialInterval = time.Millisecond
	opts.MaxInterval = 2 * time.Millisecond
	return opts
}

func newTestServer(t *testing.T, st store.Store) *Server {
	t.Helper()
	if st == nil {
		st = memory.New()
	}
	s, err := New(st, testOptions())
	require.NoError(t, err)
	s.now = func() time.Time { return t0 }
	return s
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// flakyStore fails GetCall with a transient error a fixed number of times.
type flakyStore struct {
	*memory.Client
	fails int
	calls int
}

func (f *flakyStore) GetCall(ctx context.Context, projectID, id string) (*store.Call, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, traceerr.Transient(errors.New("connection reset by peer"))
	}
	return f.Client.GetCall(ctx, projectID, id)
}

func TestRetryTransientErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		fails     int
		wantCalls int
		wantErr   error
	}{
		{name: "recovers", fails: 2, wantCalls: 3},
		{name: "gives up after budget", fails: 10, wantCalls: 4, wantErr: traceerr.ErrTransient},
		{name: "not found is not retried", fails: 0, wantCalls: 1, wantErr: traceerr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &flakyStore{Client: memory.New(), fails: tt.fails}
			s := newTestServer(t, st)

			if tt.wantErr != traceerr.ErrNotFound {
				_, err := s.CallStart(ctx, CallStartReq{ProjectID: project, ID: "c1", OpName: "op", StartedAt: t0})
				require.NoError(t, err)
			}

			_, err := s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "c1"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, st.calls)
		})
	}
}

func TestEnsureProjectExists(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	res, err := s.EnsureProjectExists(ctx, "acme", "evals")
	require.NoError(t, err)
	require.Equal(t, project, res.ProjectName)

	_, err = s.EnsureProjectExists(ctx, "acme", "")
	require.ErrorIs(t, err, traceerr.ErrValidation)
}

func TestSortValidation(t *testing.T) {
	_, _, err := sortDesc(&SortBy{Field: "color"}, "started_at")
	require.ErrorIs(t, err, traceerr.ErrValidation)

	_, _, err = sortDesc(&SortBy{Field: "started_at", Direction: "sideways"}, "started_at")
	require.ErrorIs(t, err, traceerr.ErrValidation)

	field, desc, err := sortDesc(&SortBy{Field: "started_at", Direction: SortDesc}, "started_at")
	require.NoError(t, err)
	require.Equal(t, "started_at", field)
	require.True(t, desc)
}
