package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCarries(t *testing.T) {
	a := Timespec{Sec: 1, Nsec: 800000000}
	b := Timespec{Sec: 2, Nsec: 700000000}
	got := a.Add(b)
	assert.Equal(t, Timespec{Sec: 4, Nsec: 500000000}, got)
}

func TestSubBorrows(t *testing.T) {
	a := Timespec{Sec: 4, Nsec: 100000000}
	b := Timespec{Sec: 1, Nsec: 900000000}
	got := a.Sub(b)
	assert.Equal(t, Timespec{Sec: 2, Nsec: 200000000}, got)
}

func TestCompare(t *testing.T) {
	deadline := Timespec{Sec: 10, Nsec: 0}
	before := Timespec{Sec: 9, Nsec: 999999999}
	after := Timespec{Sec: 10, Nsec: 1}

	require.True(t, before.Before(deadline))
	require.False(t, after.Before(deadline))
	require.Equal(t, 0, deadline.Compare(Timespec{Sec: 10, Nsec: 0}))
}

func TestDurationRoundTrip(t *testing.T) {
	d := 1500 * time.Millisecond
	ts := FromDuration(d)
	assert.Equal(t, Timespec{Sec: 1, Nsec: 500000000}, ts)
	assert.Equal(t, d, ts.Duration())
}
