package mcpclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/jobserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubApplier struct {
	err  error
	last atomic.Pointer[jobs.ApplyRequest]
}

func (s *stubApplier) Apply(_ context.Context, req jobs.ApplyRequest) (*jobs.ApplyResult, error) {
	s.last.Store(&req)
	if s.err != nil {
		return &jobs.ApplyResult{JobURL: req.JobURL, Steps: 1}, s.err
	}
	return &jobs.ApplyResult{JobURL: req.JobURL, Submitted: !req.DryRun, DryRun: req.DryRun, Steps: 3, Message: "sent"}, nil
}

// inMemoryDialer serves the browser tools in-process. The first failures
// dial attempts return an error.
func inMemoryDialer(t *testing.T, applier jobs.Applier, failures int32) (Dialer, *atomic.Int32) {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "browser", Version: "test"}, nil)
	jobserver.RegisterBrowserTools(server, applier)

	var dials atomic.Int32
	return func(ctx context.Context) (mcp.Transport, error) {
		if dials.Add(1) <= failures {
			return nil, errors.New("subprocess not ready")
		}
		ct, st := mcp.NewInMemoryTransports()
		ss, err := server.Connect(ctx, st, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { ss.Close() })
		return ct, nil
	}, &dials
}

func fastRetry() Retry {
	return Retry{Attempts: 5, Initial: time.Millisecond, Max: 4 * time.Millisecond}
}

func TestClient_ConnectRetries(t *testing.T) {
	dial, dials := inMemoryDialer(t, &stubApplier{}, 2)
	c := New(Config{Dial: dial, Retry: fastRetry()})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(3), dials.Load())

	// Already connected: no new dial.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(3), dials.Load())
}

func TestClient_ConnectGivesUp(t *testing.T) {
	dial, dials := inMemoryDialer(t, &stubApplier{}, 100)
	r := fastRetry()
	r.Attempts = 3
	c := New(Config{Dial: dial, Retry: r})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.CategoryExternalService, engine.CategoryOf(err))
	assert.Equal(t, int32(3), dials.Load())
}

func TestClient_ConnectStopsOnValidationError(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context) (mcp.Transport, error) {
		dials.Add(1)
		return nil, engine.Errorf("dial", engine.CategoryValidation, "bad command")
	}
	c := New(Config{Dial: dial, Retry: fastRetry()})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), dials.Load())
}

func TestClient_NoDialer(t *testing.T) {
	err := New(Config{}).Connect(context.Background())
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
}

func TestCommandDialer_Validates(t *testing.T) {
	_, err := CommandDialer("   ")
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))

	_, err = CommandDialer("definitely-not-a-real-binary-go-apply --browser")
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
}

func TestApplier_Success(t *testing.T) {
	stub := &stubApplier{}
	dial, _ := inMemoryDialer(t, stub, 0)
	c := New(Config{Dial: dial, Retry: fastRetry()})
	defer c.Close()

	res, err := NewApplier(c).Apply(context.Background(), jobs.ApplyRequest{
		JobURL: "https://www.linkedin.com/jobs/view/4335742201/",
		Title:  "Go Developer",
	})
	require.NoError(t, err)
	assert.True(t, res.Submitted)
	assert.Equal(t, 3, res.Steps)
	require.NotNil(t, stub.last.Load())
	assert.Equal(t, "Go Developer", stub.last.Load().Title)
}

func TestApplier_MapsErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		category engine.Category
	}{
		{"already applied", engine.E("easyapply", engine.CategoryConflict, jobs.ErrAlreadyApplied), jobs.ErrAlreadyApplied, engine.CategoryConflict},
		{"login", engine.E("easyapply", engine.CategoryAuthentication, jobs.ErrLoginRequired), jobs.ErrLoginRequired, engine.CategoryAuthentication},
		{"external", engine.E("easyapply", engine.CategoryValidation, jobs.ErrNotEasyApply), jobs.ErrNotEasyApply, engine.CategoryValidation},
		{"other", engine.Errorf("easyapply", engine.CategoryExternalService, "submit button missing"), nil, engine.CategoryExternalService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dial, _ := inMemoryDialer(t, &stubApplier{err: tt.err}, 0)
			c := New(Config{Dial: dial, Retry: fastRetry()})
			defer c.Close()

			res, err := NewApplier(c).Apply(context.Background(), jobs.ApplyRequest{JobURL: "https://www.linkedin.com/jobs/view/4335742201/"})
			require.Error(t, err)
			assert.Equal(t, tt.category, engine.CategoryOf(err))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
			require.NotNil(t, res)
			assert.Equal(t, 1, res.Steps)
		})
	}
}

func TestApplier_UnknownTool(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "empty", Version: "test"}, nil)
	dial := func(ctx context.Context) (mcp.Transport, error) {
		ct, st := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, st, nil); err != nil {
			return nil, err
		}
		return ct, nil
	}
	c := New(Config{Dial: dial, Retry: fastRetry()})
	defer c.Close()

	_, err := NewApplier(c).Apply(context.Background(), jobs.ApplyRequest{JobURL: "https://www.linkedin.com/jobs/view/4335742201/"})
	require.Error(t, err)
	assert.Equal(t, engine.CategoryExternalService, engine.CategoryOf(err))
}
