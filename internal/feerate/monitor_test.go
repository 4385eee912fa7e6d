package feerate

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	rates []int64
	errAt map[int]error
	i     int
}

func (s *scriptedSource) FeeRate(context.Context) (*big.Int, error) {
	idx := s.i
	s.i++
	if err := s.errAt[idx]; err != nil {
		return nil, err
	}
	return big.NewInt(s.rates[idx%len(s.rates)]), nil
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMonitorWithoutSamples(t *testing.T) {
	m := NewMonitor(&scriptedSource{rates: []int64{1}}, Config{}, quiet())
	_, err := m.Estimate()
	assert.ErrorIs(t, err, ErrNoSample)
	assert.False(t, m.Elevated())
}

func TestMonitorFallsBackToLastGoodSample(t *testing.T) {
	src := &scriptedSource{rates: []int64{100, 0}, errAt: map[int]error{1: errors.New("rpc down")}}
	m := NewMonitor(src, Config{}, quiet())
	ctx := context.Background()

	require.NoError(t, m.Sample(ctx))
	assert.Error(t, m.Sample(ctx))

	est, err := m.Estimate()
	require.NoError(t, err)
	assert.Equal(t, int64(100), est.Current.Int64())
	assert.True(t, est.Stale)

	src.errAt = nil
	src.rates = []int64{120}
	require.NoError(t, m.Sample(ctx))
	est, err = m.Estimate()
	require.NoError(t, err)
	assert.False(t, est.Stale)
}

func TestMonitorStaleByAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor(&scriptedSource{rates: []int64{10}}, Config{MaxAge: time.Minute}, quiet())
	m.now = func() time.Time { return now }
	require.NoError(t, m.Sample(context.Background()))

	now = now.Add(2 * time.Minute)
	est, err := m.Estimate()
	require.NoError(t, err)
	assert.True(t, est.Stale)
}

func TestMonitorDetectsSpike(t *testing.T) {
	src := &scriptedSource{rates: []int64{100, 101, 99, 100, 100, 101, 400}}
	m := NewMonitor(src, Config{MinSamples: 5, SpikeSigma: 2}, quiet())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Sample(ctx))
		assert.False(t, m.Elevated(), "sample %d", i)
	}
	require.NoError(t, m.Sample(ctx))
	assert.True(t, m.Elevated())

	est, err := m.Estimate()
	require.NoError(t, err)
	assert.True(t, est.Elevated)
	assert.Equal(t, 1, est.Predicted.Cmp(est.Current), "rising trend predicts above current")
	assert.Equal(t, 0, est.Pricing().Cmp(est.Predicted))
}

func TestMonitorWindowIsBounded(t *testing.T) {
	m := NewMonitor(&scriptedSource{rates: []int64{5}}, Config{Window: 3}, quiet())
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Sample(context.Background()))
	}
	assert.Len(t, m.samples, 3)
}

func TestOnSampleObserver(t *testing.T) {
	m := NewMonitor(Fixed{Rate: big.NewInt(7)}, Config{}, quiet())
	var seen *big.Int
	m.OnSample(func(e Estimate) { seen = e.Current })
	require.NoError(t, m.Sample(context.Background()))
	require.NotNil(t, seen)
	assert.Equal(t, int64(7), seen.Int64())
}

func TestFailedSampleIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	src := &scriptedSource{rates: []int64{100}, errAt: map[int]error{0: errors.New("rpc down")}}
	m := NewMonitor(src, Config{}, logger)

	require.Error(t, m.Sample(context.Background()))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "rpc down")
}
