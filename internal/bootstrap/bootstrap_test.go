package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/internal/gateway"
	"github.com/Mutter0815/MassTexter/pkg/config"
)

func TestNewBroker(t *testing.T) {
	b, err := NewBroker(config.Common{QueueBackend: config.BackendMemory}, 10)
	require.NoError(t, err)
	require.IsType(t, &dispatch.MemoryBroker{}, b)
	require.NoError(t, b.Close())

	_, err = NewBroker(config.Common{QueueBackend: "kafka"}, 10)
	require.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestNewSender(t *testing.T) {
	s, err := NewSender(config.Dispatch{Gateway: config.GatewaySimulate, SimulateSuccessRate: 1})
	require.NoError(t, err)
	require.IsType(t, &gateway.Simulator{}, s)

	s, err = NewSender(config.Dispatch{Gateway: config.GatewayTelnyx})
	require.ErrorIs(t, err, apperr.ErrConfiguration)
	require.Nil(t, s)

	s, err = NewSender(config.Dispatch{Gateway: config.GatewayTelnyx, TelnyxAPIKey: "KEY", TelnyxPhoneNumber: "+15550001111"})
	require.NoError(t, err)
	require.IsType(t, &gateway.Telnyx{}, s)
}

func TestQueueConfig(t *testing.T) {
	cfg := QueueConfig(config.Dispatch{Concurrency: 4, MaxAttempts: 5, BaseBackoff: time.Second}, time.Second, 50)
	require.Equal(t, dispatch.Config{
		Concurrency:   4,
		MaxAttempts:   5,
		BaseBackoff:   time.Second,
		RelayInterval: time.Second,
		RelayBatch:    50,
	}, cfg)
}

func TestSendLimiter_SplitsAcrossReplicas(t *testing.T) {
	l := SendLimiter(config.Dispatch{RatePerSec: 100, WorkerReplicas: 4})
	require.Equal(t, rate.Limit(25), l.Limit())
	require.Equal(t, 25, l.Burst())

	l = SendLimiter(config.Dispatch{RatePerSec: 100, WorkerReplicas: 1})
	require.Equal(t, rate.Limit(100), l.Limit())
}
