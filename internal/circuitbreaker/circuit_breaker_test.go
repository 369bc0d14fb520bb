package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/fabric-sdk-go-core/internal/circuitbreaker"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	var trips []string
	cfg := circuitbreaker.Config{Threshold: 2, Timeout: 20 * time.Millisecond}
	b := circuitbreaker.New(cfg, func(from, to circuitbreaker.State) {
		trips = append(trips, fmtTransition(from, to))
	})

	boom := errors.New("boom")
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.Equal(t, circuitbreaker.Closed, b.State())

	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.Equal(t, circuitbreaker.Open, b.State())

	require.ErrorIs(t, b.Execute(func() error { return nil }), circuitbreaker.ErrOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cfg := circuitbreaker.Config{Threshold: 1, Timeout: 5 * time.Millisecond}
	b := circuitbreaker.New(cfg, nil)

	require.Error(t, b.Execute(func() error { return errors.New("fail") }))
	require.Equal(t, circuitbreaker.Open, b.State())

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, circuitbreaker.Closed, b.State())
}

func fmtTransition(from, to circuitbreaker.State) string {
	return stateName(from) + "->" + stateName(to)
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.Closed:
		return "closed"
	case circuitbreaker.Open:
		return "open"
	case circuitbreaker.HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
