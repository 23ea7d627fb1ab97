package anthropic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubClient answers GetBatch with a fixed sequence of statuses.
type stubClient struct {
	mock.Mock
}

func (s *stubClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := s.Called(ctx, req)
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func (s *stubClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	args := s.Called(ctx, req)
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (s *stubClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	args := s.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (s *stubClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	args := s.Called(ctx, batchID)
	return args.Get(0).(BatchResultIterator), args.Error(1)
}

type sliceIterator struct {
	items  []BatchResultItem
	idx    int
	err    error
	closed bool
}

func (it *sliceIterator) Next() bool {
	if it.idx >= len(it.items) {
		return false
	}
	it.idx++
	return true
}

func (it *sliceIterator) Item() BatchResultItem { return it.items[it.idx-1] }
func (it *sliceIterator) Err() error            { return it.err }
func (it *sliceIterator) Close() error          { it.closed = true; return nil }

func TestPollBatch_EndsAfterProcessing(t *testing.T) {
	client := &stubClient{}
	client.On("GetBatch", mock.Anything, "b1").Return(&BatchResponse{ID: "b1", ProcessingStatus: "in_progress"}, nil).Twice()
	client.On("GetBatch", mock.Anything, "b1").Return(&BatchResponse{ID: "b1", ProcessingStatus: "ended"}, nil).Once()

	resp, err := PollBatch(context.Background(), client, "b1",
		WithPollInterval(time.Millisecond), WithPollCap(2*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	client.AssertNumberOfCalls(t, "GetBatch", 3)
}

func TestPollBatch_Aborted(t *testing.T) {
	client := &stubClient{}
	client.On("GetBatch", mock.Anything, "b2").Return(&BatchResponse{ID: "b2", ProcessingStatus: "expired"}, nil)

	_, err := PollBatch(context.Background(), client, "b2", WithPollInterval(time.Millisecond))
	assert.ErrorIs(t, err, ErrBatchAborted)
}

func TestPollBatch_Timeout(t *testing.T) {
	client := &stubClient{}
	client.On("GetBatch", mock.Anything, "b3").Return(&BatchResponse{ID: "b3", ProcessingStatus: "in_progress"}, nil)

	_, err := PollBatch(context.Background(), client, "b3",
		WithPollInterval(time.Millisecond), WithPollCap(time.Millisecond), WithPollTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_GetError(t *testing.T) {
	client := &stubClient{}
	client.On("GetBatch", mock.Anything, "b4").Return(nil, errors.New("network"))

	_, err := PollBatch(context.Background(), client, "b4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll batch b4")
}

func TestCollectBatchResults(t *testing.T) {
	it := &sliceIterator{items: []BatchResultItem{
		{CustomID: "infer", Type: "succeeded", Message: &MessageResponse{ID: "m1"}},
		{CustomID: "relate", Type: "errored"},
	}}

	res, err := CollectBatchResults(it)
	require.NoError(t, err)
	assert.True(t, it.closed)
	require.Contains(t, res.Succeeded, "infer")
	assert.Equal(t, "m1", res.Succeeded["infer"].ID)
	assert.Equal(t, []BatchFailure{{CustomID: "relate", Type: "errored"}}, res.Failures)
}

func TestCollectBatchResults_StreamError(t *testing.T) {
	it := &sliceIterator{err: errors.New("stream broke")}
	_, err := CollectBatchResults(it)
	require.Error(t, err)
	assert.True(t, it.closed)
}
