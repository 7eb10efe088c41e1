package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/weft/pkg/domain"
)

type fakeEngine struct {
	payloads map[string]any
	runs     map[string]*domain.RunRecord
	waiting  map[string][]*domain.Continuation
}

func (f *fakeEngine) Resume(_ context.Context, id string, payload any) (bool, error) {
	if _, seen := f.payloads[id]; seen {
		return false, nil
	}
	f.payloads[id] = payload
	return true, nil
}

func (f *fakeEngine) Cancel(_ context.Context, runID string) error {
	if _, ok := f.runs[runID]; !ok {
		return domain.ErrRunNotFound
	}
	f.runs[runID].Status = domain.RunCancelled
	return nil
}

func (f *fakeEngine) Status(_ context.Context, runID string) (*domain.RunRecord, error) {
	if rec, ok := f.runs[runID]; ok {
		return rec, nil
	}
	return nil, domain.ErrRunNotFound
}

func (f *fakeEngine) Waiting(_ context.Context, runID string) ([]*domain.Continuation, error) {
	return f.waiting[runID], nil
}

func newTestServer() (*Server, *fakeEngine) {
	eng := &fakeEngine{
		payloads: make(map[string]any),
		runs:     map[string]*domain.RunRecord{"r1": {RunID: "r1", Status: domain.RunActive}},
		waiting:  map[string][]*domain.Continuation{"r1": {{CorrelatorID: "c1", RunID: "r1", NodeID: "approve"}}},
	}
	return NewServer(eng, "test"), eng
}

func TestResumeTool(t *testing.T) {
	s, eng := newTestServer()
	ctx := context.Background()

	res, err := s.handleResume(ctx, mcp.CallToolRequest{}, ResumeArgs{CorrelatorID: "c1", Payload: `{"choice": "b"}`})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, map[string]any{"choice": "b"}, eng.payloads["c1"])

	res, err = s.handleResume(ctx, mcp.CallToolRequest{}, ResumeArgs{CorrelatorID: "c1", Payload: "again"})
	require.NoError(t, err)
	assert.False(t, res.Resumed)

	_, err = s.handleResume(ctx, mcp.CallToolRequest{}, ResumeArgs{})
	assert.Error(t, err)
}

func TestRunTools(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	rec, err := s.handleStatus(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunActive, rec.Status)

	waiting, err := s.handleWaiting(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, waiting.Continuations, 1)
	assert.Equal(t, "c1", waiting.Continuations[0].CorrelatorID)

	waiting, err = s.handleWaiting(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "r2"})
	require.NoError(t, err)
	assert.NotNil(t, waiting.Continuations)
	assert.Empty(t, waiting.Continuations)

	cancelled, err := s.handleCancel(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)

	rec, err = s.handleStatus(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, rec.Status)

	_, err = s.handleCancel(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	_, err = s.handleStatus(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestDecodePayload(t *testing.T) {
	assert.Equal(t, true, decodePayload("true"))
	assert.Equal(t, float64(3), decodePayload("3"))
	assert.Equal(t, "yes please", decodePayload("yes please"))
	assert.Equal(t, "", decodePayload(""))
}
