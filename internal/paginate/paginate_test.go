package paginate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/analytics-ingest/internal/apierror"
	"github.com/JakeFAU/analytics-ingest/internal/governor"
)

type passthrough struct{}

func (passthrough) Execute(ctx context.Context, _ string, call governor.Task) error {
	return call(ctx)
}

type pageCall struct{ offset, limit int }

// source serves rows from a fixed total and records every request.
type source struct {
	total int
	calls []pageCall
}

func (s *source) page(_ context.Context, offset, limit int) ([]int, error) {
	s.calls = append(s.calls, pageCall{offset, limit})
	var rows []int
	for i := offset; i < offset+limit && i < s.total; i++ {
		rows = append(rows, i)
	}
	return rows, nil
}

func TestFetchAllStopsOnShortPage(t *testing.T) {
	t.Parallel()

	src := &source{total: 2*25 + 3}
	rows, err := FetchAll(context.Background(), passthrough{}, Options{PageSize: 25}, src.page)
	require.NoError(t, err)
	require.Len(t, rows, 53)
	require.Equal(t, []pageCall{{0, 25}, {25, 25}, {50, 25}}, src.calls)
	for i, v := range rows {
		require.Equal(t, i, v)
	}
}

func TestFetchAllExactMultipleCostsOneEmptyCall(t *testing.T) {
	t.Parallel()

	src := &source{total: 50}
	rows, err := FetchAll(context.Background(), passthrough{}, Options{PageSize: 25}, src.page)
	require.NoError(t, err)
	require.Len(t, rows, 50)
	require.Len(t, src.calls, 3)
	require.Equal(t, 50, src.calls[2].offset)
}

func TestFetchAllRespectsStartOffsetAndMaxPages(t *testing.T) {
	t.Parallel()

	src := &source{total: 1000}
	rows, err := FetchAll(context.Background(), passthrough{}, Options{PageSize: 10, StartOffset: 5, MaxPages: 2}, src.page)
	require.NoError(t, err)
	require.Len(t, rows, 20)
	require.Equal(t, []pageCall{{5, 10}, {15, 10}}, src.calls)
}

func TestFetchAllPropagatesErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := FetchAll(context.Background(), passthrough{}, Options{PageSize: 2},
		func(_ context.Context, offset, _ int) ([]string, error) {
			calls++
			if offset > 0 {
				return nil, apierror.Classify(401, "expired", 0)
			}
			return []string{"a", "b"}, nil
		})
	require.Equal(t, apierror.KindAuthenticationFailed, apierror.KindOf(err))
	require.Equal(t, 2, calls)
}

func TestFetchAllStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := FetchAll(ctx, passthrough{}, Options{PageSize: 1},
		func(context.Context, int, int) ([]int, error) {
			calls++
			cancel()
			return []int{1}, nil
		})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, calls)
}

func TestFetchAllRejectsZeroPageSize(t *testing.T) {
	t.Parallel()

	_, err := FetchAll(context.Background(), passthrough{}, Options{}, (&source{}).page)
	require.Error(t, err)
}
