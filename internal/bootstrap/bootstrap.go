// Package bootstrap builds the dispatch pipeline from configuration. Both
// campaign-api and sender-worker use it so the two processes agree on the
// broker, the gateway and the queue settings.
package bootstrap

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/internal/gateway"
	"github.com/Mutter0815/MassTexter/internal/orchestrator"
	"github.com/Mutter0815/MassTexter/internal/policy"
	"github.com/Mutter0815/MassTexter/internal/store"
	"github.com/Mutter0815/MassTexter/pkg/config"
)

// NewBroker returns the broker selected by QUEUE_BACKEND.
func NewBroker(c config.Common, prefetch int) (dispatch.Broker, error) {
	switch c.QueueBackend {
	case config.BackendMemory:
		return dispatch.NewMemoryBroker(), nil
	case config.BackendRabbit:
		return dispatch.NewRabbitBroker(c.RMQURL, c.Queue, prefetch)
	}
	return nil, apperr.Configuration("unknown QUEUE_BACKEND %q", c.QueueBackend)
}

// NewSender returns the gateway selected by GATEWAY.
func NewSender(d config.Dispatch) (gateway.Sender, error) {
	switch d.Gateway {
	case config.GatewaySimulate:
		return gateway.NewSimulator(d.SimulateSuccessRate, time.Now().UnixNano()), nil
	case config.GatewayTelnyx:
		t, err := gateway.NewTelnyx(gateway.TelnyxConfig{
			APIKey:             d.TelnyxAPIKey,
			FromNumber:         d.TelnyxPhoneNumber,
			MessagingProfileID: d.TelnyxProfileID,
			BaseURL:            d.TelnyxBaseURL,
		}, nil)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, apperr.Configuration("unknown GATEWAY %q", d.Gateway)
}

func QueueConfig(d config.Dispatch, relayInterval time.Duration, relayBatch int) dispatch.Config {
	return dispatch.Config{
		Concurrency:   d.Concurrency,
		MaxAttempts:   d.MaxAttempts,
		BaseBackoff:   d.BaseBackoff,
		RelayInterval: relayInterval,
		RelayBatch:    relayBatch,
	}
}

// SendLimiter builds this process's token bucket. RATE_PER_SEC is the ceiling
// for all WORKER_REPLICAS together, so each process gets its share.
func SendLimiter(d config.Dispatch) *rate.Limiter {
	return policy.NewSendLimiter(policy.ProcessRate(d.RatePerSec, d.WorkerReplicas))
}

func QuietHours(c config.Common) policy.QuietHours {
	return policy.NewQuietHours(c.QuietStartHour, c.QuietEndHour, c.DefaultTimezone)
}

// NewOrchestrator wires the orchestrator. sender may be nil in a process that
// only queues campaigns and never runs tasks.
func NewOrchestrator(c config.Common, st *store.Store, q *dispatch.Queue, sender gateway.Sender) *orchestrator.Orchestrator {
	return orchestrator.New(st, q, sender, QuietHours(c), orchestrator.Config{
		MaxMessageLength: c.MaxMessageLength,
		DeferDelay:       c.DeferDelay,
	})
}
