package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var account = model.MakeAccount(1, "trader1")

func startAt(first model.Sequence, calls *int32) InitialSequenceLoader {
	return func(model.DirectoryEntry) (model.Sequence, error) {
		atomic.AddInt32(calls, 1)
		return first, nil
	}
}

func TestPublishAssignsIncreasingSequences(t *testing.T) {
	r := NewOrderSubmissionRegistry()
	var calls int32
	var sequences []model.Sequence
	for i := 0; i < 3; i++ {
		err := Publish(r, model.Indexed(model.OrderInfo{ID: model.OrderID(i)}, account), startAt(10, &calls),
			func(v model.SequencedAccountOrderInfo) error {
				sequences = append(sequences, v.Sequence)
				return nil
			})
		require.NoError(t, err)
	}
	assert.Equal(t, []model.Sequence{10, 11, 12}, sequences)
	assert.Equal(t, int32(1), calls)
}

func TestOrderInfosAndReportsShareSequence(t *testing.T) {
	r := NewOrderSubmissionRegistry()
	var calls int32
	var sequences []model.Sequence
	require.NoError(t, Publish(r, model.Indexed(model.OrderInfo{ID: 1}, account), startAt(1, &calls),
		func(v model.SequencedAccountOrderInfo) error {
			sequences = append(sequences, v.Sequence)
			return nil
		}))
	require.NoError(t, Publish(r, model.Indexed(model.ExecutionReport{ID: 1}, account), startAt(1, &calls),
		func(v model.SequencedAccountExecutionReport) error {
			sequences = append(sequences, v.Sequence)
			return nil
		}))
	assert.Equal(t, []model.Sequence{1, 2}, sequences)
}

func TestFailedCommitDoesNotConsumeSequence(t *testing.T) {
	r := NewOrderSubmissionRegistry()
	var calls int32
	err := Publish(r, model.Indexed(model.OrderInfo{ID: 1}, account), startAt(1, &calls),
		func(model.SequencedAccountOrderInfo) error { return errors.New("store unavailable") })
	require.Error(t, err)

	var got model.Sequence
	require.NoError(t, Publish(r, model.Indexed(model.OrderInfo{ID: 2}, account), startAt(1, &calls),
		func(v model.SequencedAccountOrderInfo) error {
			got = v.Sequence
			return nil
		}))
	assert.Equal(t, model.Sequence(1), got)
}

func TestLoaderFailureIsRetried(t *testing.T) {
	r := NewOrderSubmissionRegistry()
	failing := func(model.DirectoryEntry) (model.Sequence, error) { return 0, errors.New("down") }
	err := Publish(r, model.Indexed(model.OrderInfo{}, account), failing,
		func(model.SequencedAccountOrderInfo) error { return nil })
	require.Error(t, err)

	var calls int32
	require.NoError(t, Publish(r, model.Indexed(model.OrderInfo{}, account), startAt(5, &calls),
		func(model.SequencedAccountOrderInfo) error { return nil }))
	assert.Equal(t, int32(1), calls)
}

func TestConcurrentPublishersObserveStrictlyIncreasingSequences(t *testing.T) {
	r := NewOrderSubmissionRegistry()
	r.AddAccount(account)
	var calls int32
	var mu sync.Mutex
	var committed []model.Sequence
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = Publish(r, model.Indexed(model.OrderInfo{ID: model.OrderID(i)}, account), startAt(1, &calls),
				func(v model.SequencedAccountOrderInfo) error {
					mu.Lock()
					committed = append(committed, v.Sequence)
					mu.Unlock()
					return nil
				})
		}(i)
	}
	wg.Wait()
	require.Len(t, committed, 50)
	for i := 1; i < len(committed); i++ {
		assert.Greater(t, committed[i], committed[i-1])
	}
	assert.Equal(t, int32(1), calls)
}

func TestAccountsAreIndependent(t *testing.T) {
	r := NewOrderSubmissionRegistry()
	other := model.MakeAccount(2, "trader2")
	r.AddAccount(account)
	r.AddAccount(account)
	assert.True(t, r.HasAccount(account))
	assert.False(t, r.HasAccount(other))

	var calls int32
	var got []model.Sequence
	for _, a := range []model.DirectoryEntry{account, other, account} {
		require.NoError(t, Publish(r, model.Indexed(model.OrderInfo{}, a), startAt(1, &calls),
			func(v model.SequencedAccountOrderInfo) error {
				got = append(got, v.Sequence)
				return nil
			}))
	}
	assert.Equal(t, []model.Sequence{1, 1, 2}, got)
	assert.Len(t, r.Accounts(), 2)
}
