package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	assert.GreaterOrEqual(t, clock.Since(past), time.Second)
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	clock := RealClock{}
	done := make(chan struct{})
	clock.AfterFunc(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("AfterFunc callback did not run")
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)
	assert.True(t, clock.Now().Equal(fixedTime))

	clock.Advance(time.Minute)
	assert.Equal(t, time.Minute, clock.Since(fixedTime))
}

func TestMockClock_AfterFunc(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))

	var order []string
	clock.AfterFunc(400*time.Millisecond, func() { order = append(order, "late") })
	clock.AfterFunc(100*time.Millisecond, func() { order = append(order, "early") })
	require.Equal(t, 2, clock.Pending())

	clock.Advance(50 * time.Millisecond)
	assert.Empty(t, order)

	clock.Advance(time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, 0, clock.Pending())

	// fired callbacks never run twice
	clock.Advance(time.Second)
	assert.Len(t, order, 2)
}

func TestMockClock_AfterFuncStop(t *testing.T) {
	clock := NewMockClock(time.Time{})

	called := false
	timer := clock.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clock.Advance(2 * time.Second)
	assert.False(t, called)
	assert.Equal(t, 0, clock.Pending())
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(100 * time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(50 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	assert.True(t, ticker.(*MockTicker).Stopped())
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
