package refresolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n8n-work/engine-go/internal/models"
)

func TestRun_SequentialAbortsOnFirstFailure(t *testing.T) {
	items := []interface{}{1, 2, 3}
	calls := 0
	res, err := Run(context.Background(), models.ForEachSequential, items, 0, func(ctx context.Context, i int, item interface{}) (interface{}, error) {
		calls++
		if item == 2 {
			return nil, fmt.Errorf("boom")
		}
		return item, nil
	})
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.Equal(t, 2, calls) // stops before iteration 3
}

func TestRun_ParallelFailsOnAnyIterationFailure(t *testing.T) {
	items := []interface{}{1, 2, 3, 4}
	res, err := Run(context.Background(), models.ForEachParallel, items, 0, func(ctx context.Context, i int, item interface{}) (interface{}, error) {
		if item == 3 {
			return nil, fmt.Errorf("item 3 failed")
		}
		return item, nil
	})
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "iteration 2")
}

func TestRun_RaceReturnsFirstSuccessAndWinnerIndex(t *testing.T) {
	items := []interface{}{"slow", "fast"}
	res, err := Run(context.Background(), models.ForEachRace, items, 0, func(ctx context.Context, i int, item interface{}) (interface{}, error) {
		if item == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return item, nil
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Winner)
	require.Equal(t, 1, *res.Winner)
}

func TestRun_AllSettledNeverFails(t *testing.T) {
	items := []interface{}{1, 2, 3}
	res, err := Run(context.Background(), models.ForEachAllSettled, items, 0, func(ctx context.Context, i int, item interface{}) (interface{}, error) {
		if item == 2 {
			return nil, fmt.Errorf("rejected")
		}
		return item, nil
	})
	require.NoError(t, err)
	require.Nil(t, res.Err)
	require.Len(t, res.Settled, 3)
	require.Equal(t, "fulfilled", res.Settled[0].Status)
	require.Equal(t, "rejected", res.Settled[1].Status)
	require.Equal(t, "fulfilled", res.Settled[2].Status)
}
