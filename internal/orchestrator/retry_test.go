package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestConflict = errors.New("conflict")

type versioned struct {
	Version int
	Value   string
}

// fakeRow is a single optimistic-concurrency row.
type fakeRow struct {
	row     versioned
	fetches int
	writes  int
	// interfere runs before each write, simulating a concurrent writer.
	interfere func(row *versioned)
}

func (f *fakeRow) retrier(attempts int) Retrier[versioned] {
	return Retrier[versioned]{
		Attempts: attempts,
		Fetch: func(context.Context) (versioned, error) {
			f.fetches++
			return f.row, nil
		},
		Write: func(_ context.Context, v versioned) (versioned, error) {
			f.writes++
			if f.interfere != nil {
				f.interfere(&f.row)
			}
			if v.Version != f.row.Version {
				return versioned{}, errTestConflict
			}
			v.Version++
			f.row = v
			return v, nil
		},
		IsConflict: func(err error) bool { return errors.Is(err, errTestConflict) },
	}
}

func TestRetrierWritesFirstAttempt(t *testing.T) {
	row := &fakeRow{row: versioned{Version: 1, Value: "a"}}
	out, err := row.retrier(3).Do(context.Background(), row.row, nil, func(v *versioned) error {
		v.Value = "b"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, versioned{Version: 2, Value: "b"}, out)
	assert.Equal(t, 0, row.fetches)
}

func TestRetrierRefetchesOnConflict(t *testing.T) {
	row := &fakeRow{row: versioned{Version: 1, Value: "a"}}
	stale := row.row
	row.row = versioned{Version: 2, Value: "winner"}

	var seen []string
	out, err := row.retrier(3).Do(context.Background(), stale, func(v versioned) error {
		seen = append(seen, v.Value)
		return nil
	}, func(v *versioned) error {
		v.Value += "+mine"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, versioned{Version: 3, Value: "winner+mine"}, out)
	assert.Equal(t, []string{"a", "winner"}, seen)
	assert.Equal(t, 1, row.fetches)
}

func TestRetrierPreconditionStopsLoop(t *testing.T) {
	row := &fakeRow{row: versioned{Version: 1, Value: "a"}}
	stale := row.row
	row.row = versioned{Version: 2, Value: "locked"}
	errLocked := errors.New("locked")

	out, err := row.retrier(3).Do(context.Background(), stale, func(v versioned) error {
		if v.Value == "locked" {
			return errLocked
		}
		return nil
	}, func(v *versioned) error { return nil })
	assert.ErrorIs(t, err, errLocked)
	assert.Equal(t, "locked", out.Value)
	assert.Equal(t, 1, row.writes)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	row := &fakeRow{row: versioned{Version: 1}}
	row.interfere = func(r *versioned) { r.Version++ }

	_, err := row.retrier(3).Do(context.Background(), row.row, nil, func(*versioned) error { return nil })
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, row.writes)
}

func TestRetrierReturnsOtherWriteErrors(t *testing.T) {
	boom := errors.New("disk full")
	r := Retrier[versioned]{
		Attempts:   3,
		Fetch:      func(context.Context) (versioned, error) { return versioned{}, nil },
		Write:      func(context.Context, versioned) (versioned, error) { return versioned{}, boom },
		IsConflict: func(err error) bool { return false },
	}
	_, err := r.Do(context.Background(), versioned{}, nil, func(*versioned) error { return nil })
	assert.ErrorIs(t, err, boom)
}
