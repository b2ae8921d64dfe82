package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/ledger"
	"github.com/Mutter0815/MassTexter/internal/store"
)

type finalizeCall struct {
	id      string
	status  ledger.Status
	errText string
}

type fakeStore struct {
	sent      []string
	finalized []finalizeCall
	optedOut  []string
	delivered map[string]bool
	err       error
}

func (f *fakeStore) MarkProviderSent(ctx context.Context, id string, at time.Time) (int64, error) {
	f.sent = append(f.sent, id)
	return 1, f.err
}

func (f *fakeStore) FinalizeProviderStatus(ctx context.Context, id string, status ledger.Status, at time.Time, errText string) (store.Finalization, error) {
	if f.err != nil {
		return store.Finalization{}, f.err
	}
	f.finalized = append(f.finalized, finalizeCall{id, status, errText})
	if f.delivered == nil {
		f.delivered = map[string]bool{}
	}
	res := store.Finalization{Found: true, CampaignID: 1, Previous: ledger.StatusSent}
	if f.delivered[id] {
		res.Previous = ledger.StatusDelivered
	}
	if status == ledger.StatusDelivered && !f.delivered[id] {
		res.BecameDelivered = true
		f.delivered[id] = true
	}
	return res, nil
}

func (f *fakeStore) OptOutByPhone(ctx context.Context, phone string) (int64, error) {
	f.optedOut = append(f.optedOut, phone)
	return 1, f.err
}

func process(t *testing.T, p *Processor, body string) (EventType, error) {
	t.Helper()
	env, err := Decode([]byte(body))
	require.NoError(t, err)
	return p.Process(context.Background(), env)
}

func TestCarrierTableComplete(t *testing.T) {
	want := map[string]ledger.Status{
		"queued":               ledger.StatusSent,
		"sending":              ledger.StatusSent,
		"sent":                 ledger.StatusSent,
		"delivered":            ledger.StatusDelivered,
		"sending_failed":       ledger.StatusFailed,
		"delivery_failed":      ledger.StatusFailed,
		"expired":              ledger.StatusFailed,
		"delivery_unconfirmed": ledger.StatusUndelivered,
	}
	for name, exp := range want {
		cs := ParseCarrierStatus(name)
		require.NotEqual(t, CarrierUnknown, cs, name)
		require.Equal(t, name, cs.String())
		got, ok := cs.LedgerStatus()
		require.True(t, ok, name)
		require.Equal(t, exp, got, name)
	}
	_, ok := ParseCarrierStatus("bogus").LedgerStatus()
	require.False(t, ok)
	require.Equal(t, len(want)+1, int(carrierStatusCount))
}

func TestParseEventType(t *testing.T) {
	require.Equal(t, EventMessageSent, ParseEventType("message.sent"))
	require.Equal(t, EventMessageFinalized, ParseEventType("message.finalized"))
	require.Equal(t, EventMessageReceived, ParseEventType("message.received"))
	require.Equal(t, EventUnknown, ParseEventType("call.initiated"))
	require.Equal(t, EventUnknown, ParseEventType("unknown"))
}

func TestDecode_NoData(t *testing.T) {
	_, err := Decode([]byte(`{"meta":{}}`))
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = Decode([]byte(`not json`))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMessageSent(t *testing.T) {
	st := &fakeStore{}
	et, err := process(t, New(st), `{"data":{"event_type":"message.sent","payload":{"id":"m1"}}}`)
	require.NoError(t, err)
	require.Equal(t, EventMessageSent, et)
	require.Equal(t, []string{"m1"}, st.sent)
}

func TestMessageSent_AfterFinalizedKeepsStatus(t *testing.T) {
	st := &fakeStore{}
	p := New(st)
	_, err := process(t, p, `{"data":{"event_type":"message.finalized",
		"payload":{"id":"m1","to":[{"phone_number":"+15551230000","status":"delivered"}]}}}`)
	require.NoError(t, err)
	_, err = process(t, p, `{"data":{"event_type":"message.sent","payload":{"id":"m1"}}}`)
	require.NoError(t, err)

	require.Len(t, st.finalized, 1)
	require.Equal(t, []string{"m1"}, st.sent)
	require.True(t, st.delivered["m1"])
}

func TestMessageFinalized_Delivered(t *testing.T) {
	st := &fakeStore{}
	p := New(st)
	body := `{"data":{"event_type":"message.finalized","occurred_at":"2025-01-15T18:00:00Z",
		"payload":{"id":"m1","to":[{"phone_number":"+15551230000","status":"delivered"}]}}}`

	_, err := process(t, p, body)
	require.NoError(t, err)
	_, err = process(t, p, body)
	require.NoError(t, err)

	require.Len(t, st.finalized, 2)
	require.Equal(t, ledger.StatusDelivered, st.finalized[0].status)
	require.True(t, st.delivered["m1"])
}

func TestMessageFinalized_FailedWithErrors(t *testing.T) {
	st := &fakeStore{}
	_, err := process(t, New(st), `{"data":{"event_type":"message.finalized",
		"payload":{"id":"m2","finalized_status":"delivery_failed","errors":[{"title":"Blocked"},{"title":"Spam"}]}}}`)
	require.NoError(t, err)
	require.Equal(t, []finalizeCall{{"m2", ledger.StatusFailed, "Blocked, Spam"}}, st.finalized)
}

func TestMessageFinalized_UnknownStatusIsNoop(t *testing.T) {
	st := &fakeStore{}
	_, err := process(t, New(st), `{"data":{"event_type":"message.finalized",
		"payload":{"id":"m3","to":[{"status":"teleported"}]}}}`)
	require.NoError(t, err)
	require.Empty(t, st.finalized)
}

func TestMessageReceived_Stop(t *testing.T) {
	for _, text := range []string{"STOP", " unsubscribe ", "Cancel", "quit", "end"} {
		st := &fakeStore{}
		_, err := process(t, New(st), `{"data":{"event_type":"message.received",
			"payload":{"from":{"phone_number":"+15551234567"},"text":"`+text+`"}}}`)
		require.NoError(t, err)
		require.Equal(t, []string{"+15551234567"}, st.optedOut, text)
	}
}

func TestMessageReceived_NotExactKeyword(t *testing.T) {
	for _, text := range []string{"please stop", "help", "STOPP", ""} {
		st := &fakeStore{}
		_, err := process(t, New(st), `{"data":{"event_type":"message.received",
			"payload":{"from":{"phone_number":"+15551234567"},"text":"`+text+`"}}}`)
		require.NoError(t, err)
		require.Empty(t, st.optedOut, text)
	}
}

func TestUnknownEventIsNoop(t *testing.T) {
	st := &fakeStore{}
	et, err := process(t, New(st), `{"data":{"event_type":"number_order.complete","payload":{"id":"x"}}}`)
	require.NoError(t, err)
	require.Equal(t, EventUnknown, et)
	require.Empty(t, st.sent)
	require.Empty(t, st.finalized)
}

func TestStoreErrorPropagates(t *testing.T) {
	st := &fakeStore{err: errors.New("db down")}
	_, err := process(t, New(st), `{"data":{"event_type":"message.finalized","payload":{"id":"m1","finalized_status":"delivered"}}}`)
	require.Error(t, err)
}
