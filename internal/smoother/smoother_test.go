package smoother_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource/internal/smoother"
)

func TestAtTracksLinearRate(t *testing.T) {
	s := smoother.New(2*time.Second, 2)

	base := 10 * time.Second
	for i := 0; i < 20; i++ {
		wall := base + time.Duration(i)*50*time.Millisecond
		frame := wall // perfectly matched clocks
		s.Put(wall, frame)
	}

	got := s.At(base + time.Second)
	assert.InDelta(t, float64(base+time.Second), float64(got), float64(5*time.Millisecond))
}

func TestPauseFreezesOutput(t *testing.T) {
	s := smoother.New(2*time.Second, 2)

	base := time.Second
	for i := 0; i < 10; i++ {
		wall := base + time.Duration(i)*10*time.Millisecond
		s.Put(wall, wall)
	}

	pauseWall := base + 200*time.Millisecond
	before := s.At(pauseWall)
	s.Pause(pauseWall)

	afterLong := s.At(pauseWall + 5*time.Second)
	assert.Equal(t, before, afterLong, "At must not advance while paused")
}

func TestResumeHasNoDiscontinuity(t *testing.T) {
	s := smoother.New(2*time.Second, 2)

	base := time.Second
	for i := 0; i < 10; i++ {
		wall := base + time.Duration(i)*10*time.Millisecond
		s.Put(wall, wall)
	}

	pauseWall := base + 200*time.Millisecond
	atPause := s.At(pauseWall)
	s.Pause(pauseWall)

	resumeWall := pauseWall + 3*time.Second
	s.Resume(resumeWall)

	atResume := s.At(resumeWall)
	assert.Equal(t, atPause, atResume, "Resume must not introduce a jump")
}

func TestTranslateIsInverseOfRateOne(t *testing.T) {
	s := smoother.New(2*time.Second, 2)

	base := time.Second
	for i := 0; i < 10; i++ {
		wall := base + time.Duration(i)*10*time.Millisecond
		s.Put(wall, wall)
	}

	deltaFrame := 20 * time.Millisecond
	deltaWall := s.Translate(base+100*time.Millisecond, deltaFrame)

	require.InDelta(t, float64(deltaFrame), float64(deltaWall), float64(2*time.Millisecond))
}
