package gena

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladhorn/hupnp/upnp"
)

// fakePublisher is an httptest handler speaking just enough GENA for the
// subscriber side
type fakePublisher struct {
	sid          string
	grant        string
	failRenewals atomic.Bool
	subscribes   atomic.Int32
	renewals     atomic.Int32
	unsubscribes atomic.Int32
}

func (f *fakePublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "SUBSCRIBE":
		if r.Header.Get("SID") != "" {
			f.renewals.Add(1)
			if f.failRenewals.Load() {
				http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
				return
			}
		} else {
			f.subscribes.Add(1)
		}
		w.Header().Set("SID", f.sid)
		w.Header().Set("Timeout", f.grant)
		w.WriteHeader(http.StatusOK)
	case "UNSUBSCRIBE":
		f.unsubscribes.Add(1)
		w.WriteHeader(http.StatusOK)
	}
}

func newSubscriberFixture(t *testing.T, grant string) (*Subscriber, *upnp.Service, *fakePublisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	pub := &fakePublisher{sid: "uuid:sub-1", grant: grant}
	server := httptest.NewServer(pub)
	t.Cleanup(server.Close)

	dt, err := upnp.ParseResourceType("urn:schemas-upnp-org:device:Basic:1")
	require.NoError(t, err)
	device, err := upnp.NewDevice(upnp.DeviceInfo{
		DeviceType: dt, FriendlyName: "d", Manufacturer: "m", ModelName: "n", UDN: upnp.NewUDN(),
	})
	require.NoError(t, err)

	st, err := upnp.ParseResourceType("urn:schemas-upnp-org:service:Sensor:1")
	require.NoError(t, err)
	svc, err := upnp.NewService(upnp.ServiceDefinition{
		ServiceID:   "urn:upnp-org:serviceId:Sensor",
		ServiceType: st,
		EventSubURL: server.URL + "/event",
	})
	require.NoError(t, err)
	sv, err := upnp.NewStateVariable(upnp.StateVariableDefinition{
		Name: "A", Type: upnp.DataTypeUI4, Eventing: upnp.EventingYes, DefaultValue: "0",
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddStateVariable(sv))
	require.NoError(t, device.AddService(svc))

	s := NewSubscriber(ctx, 5*time.Second)
	t.Cleanup(s.Close)
	return s, svc, pub
}

func TestSubscriberStateMachine(t *testing.T) {
	s, svc, pub := newSubscriberFixture(t, "Second-1800")

	assert.Equal(t, Unsubscribed, s.SubscriptionStatus(svc))

	require.NoError(t, s.Subscribe(svc, 1800*time.Second, "http://127.0.0.1:9999/notify"))
	assert.Equal(t, Subscribed, s.SubscriptionStatus(svc))
	assert.Equal(t, int32(1), pub.subscribes.Load())

	// subscribing again while subscribed reports AlreadySubscribed
	err := s.Subscribe(svc, 1800*time.Second, "http://127.0.0.1:9999/notify")
	var subErr *upnp.SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, upnp.SubscriptionAlreadySubscribed, subErr.Kind)

	// cancel without unsubscribe just resets local state
	s.Cancel(svc.Device(), upnp.VisitThisRecursively, false)
	assert.Equal(t, Unsubscribed, s.SubscriptionStatus(svc))
	assert.Zero(t, pub.unsubscribes.Load())

	// a held but unsubscribed record re-issues subscribe
	require.NoError(t, s.Subscribe(svc, 1800*time.Second, "http://127.0.0.1:9999/notify"))
	assert.Equal(t, int32(2), pub.subscribes.Load())

	// cancel with unsubscribe sends UNSUBSCRIBE
	s.Cancel(svc.Device(), upnp.VisitThisRecursively, true)
	assert.Equal(t, int32(1), pub.unsubscribes.Load())
	assert.Equal(t, Unsubscribed, s.SubscriptionStatus(svc))
}

func TestSubscriberRejectsNonEvented(t *testing.T) {
	s, _, _ := newSubscriberFixture(t, "Second-1800")

	st, err := upnp.ParseResourceType("urn:schemas-upnp-org:service:Plain:1")
	require.NoError(t, err)
	plain, err := upnp.NewService(upnp.ServiceDefinition{ServiceID: "urn:upnp-org:serviceId:Plain", ServiceType: st})
	require.NoError(t, err)

	err = s.Subscribe(plain, time.Minute, "http://127.0.0.1:9999/notify")
	var subErr *upnp.SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, upnp.SubscriptionNotEvented, subErr.Kind)
}

func TestSubscriberRenewalOnHalfTimeout(t *testing.T) {
	s, svc, pub := newSubscriberFixture(t, "Second-1")

	require.NoError(t, s.Subscribe(svc, time.Second, "http://127.0.0.1:9999/notify"))

	// granted 1s -> renewal due at ~500ms
	require.Eventually(t, func() bool { return pub.renewals.Load() >= 1 },
		3*time.Second, 50*time.Millisecond)
	assert.Equal(t, Subscribed, s.SubscriptionStatus(svc))
}

func TestSubscriberRenewalFailureEmitsEvent(t *testing.T) {
	s, svc, pub := newSubscriberFixture(t, "Second-1")

	require.NoError(t, s.Subscribe(svc, time.Second, "http://127.0.0.1:9999/notify"))
	pub.failRenewals.Store(true)

	select {
	case ev := <-s.Events():
		assert.Same(t, svc, ev.Service)
		assert.Error(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a subscriptionFailed event")
	}
	assert.Equal(t, Unsubscribed, s.SubscriptionStatus(svc))
	assert.GreaterOrEqual(t, pub.renewals.Load(), int32(2), "one immediate retry before giving up")
}

func TestSubscriberOnNotify(t *testing.T) {
	s, svc, _ := newSubscriberFixture(t, "Second-1800")
	require.NoError(t, s.Subscribe(svc, 1800*time.Second, "http://127.0.0.1:9999/notify"))

	sid := "uuid:sub-1"
	body := BuildPropertySet([]upnp.StateVariableValue{{Name: "A", Value: "5"}})

	require.NoError(t, s.OnNotify(sid, "0", body))
	assert.Equal(t, "5", svc.StateVariable("A").Value(), "notify dispatches to the state variable updaters")

	// in-order increments are accepted
	body = BuildPropertySet([]upnp.StateVariableValue{{Name: "A", Value: "6"}})
	require.NoError(t, s.OnNotify(sid, "1", body))
	assert.Equal(t, "6", svc.StateVariable("A").Value())

	// an older SEQ is rejected
	err := s.OnNotify(sid, "1", body)
	assert.Error(t, err)

	// a missing SEQ header resets the expectation back to 0
	require.NoError(t, s.OnNotify(sid, "", body))
	require.NoError(t, s.OnNotify(sid, "0", body))

	// unknown SID fails the precondition
	err = s.OnNotify("uuid:unknown", "0", body)
	var subErr *upnp.SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, upnp.SubscriptionPreconditionFailed, subErr.Kind)
}

func TestSubscriberRemoveService(t *testing.T) {
	s, svc, pub := newSubscriberFixture(t, "Second-1800")
	require.NoError(t, s.Subscribe(svc, 1800*time.Second, "http://127.0.0.1:9999/notify"))

	s.RemoveService(svc, true)
	assert.Equal(t, int32(1), pub.unsubscribes.Load())
	assert.Equal(t, Unsubscribed, s.SubscriptionStatus(svc))

	// the record is gone: OnNotify for the old SID fails
	err := s.OnNotify("uuid:sub-1", "0", BuildPropertySet(nil))
	assert.Error(t, err)
}
