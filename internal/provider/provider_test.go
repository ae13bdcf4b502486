package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

type captureObserver struct {
	mu       sync.Mutex
	messages []*message.Message
	states   []State
}

func (c *captureObserver) MessageReceived(m *message.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
}

func (c *captureObserver) ConnectionStateChanged(_ string, s State) {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
}

func (c *captureObserver) received() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Message(nil), c.messages...)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		err           error
		singleAttempt bool
		want          SendResult
	}{
		{nil, false, SendSuccess},
		{ErrAuthRequired, false, SendFailed},
		{ErrAuthRequired, true, SendFailed},
		{ErrNoUI, false, SendFailed},
		{ErrTLSHandshake, false, SendFailed},
		{ErrTLSHandshake, true, SendFailedDoNotRetry},
		{ErrTransientNetwork, false, SendFailed},
		{context.DeadlineExceeded, false, SendFailed},
		{net.Error(timeoutErr{}), false, SendFailed},
		{ErrPermanent, false, SendFailedDoNotRetry},
		{errors.New("anything else"), false, SendFailedDoNotRetry},
	}
	for i, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err, tc.singleAttempt), "case %d: %v", i, tc.err)
	}
}

func TestWrapTransportTagsNetErrors(t *testing.T) {
	wrapped := WrapTransport(timeoutErr{})
	require.ErrorIs(t, wrapped, ErrTransientNetwork)

	wrapped = WrapTransport(errors.New("bad request encoding"))
	require.ErrorIs(t, wrapped, ErrPermanent)

	require.NoError(t, WrapTransport(nil))
}

func TestRegistryFallbackChain(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	obs := &captureObserver{}
	reg.SetObserver(obs)

	reg.Register("rest", NewRest, "")
	reg.SetDefault("rest")

	require.Equal(t, "rest", reg.ByName("rest").Name())
	// Unknown name falls back to the default.
	require.Equal(t, "rest", reg.ByName("bogus").Name())
	// No default configured falls back to null.
	reg.SetDefault("")
	require.Equal(t, "null", reg.ByName("bogus").Name())

	m := message.New("orders", "s1", nil)
	m.Provider = "rest"
	require.Equal(t, "rest", reg.ForMessage(m).Name())
}

func TestRegistryOmitsFailedFactory(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register("broken", func(*zap.Logger) (Provider, error) {
		return nil, errors.New("boom")
	}, "")
	reg.SetDefault("broken")

	p := reg.ByName("broken")
	require.Equal(t, "null", p.Name())
	require.Empty(t, reg.All())
}

func TestRegistryCachesInstances(t *testing.T) {
	var built int
	reg := NewRegistry(zap.NewNop())
	reg.Register("counted", func(log *zap.Logger) (Provider, error) {
		built++
		return NewNull(), nil
	}, "")
	reg.ByName("counted")
	reg.ByName("counted")
	require.Equal(t, 1, built)
}

func TestNullAlwaysFailsPermanently(t *testing.T) {
	n := NewNull()
	res, err := n.SendMessage(context.Background(), message.New("orders", "s1", nil))
	require.Equal(t, SendFailedDoNotRetry, res)
	require.ErrorIs(t, err, ErrPermanent)

	done := false
	n.CheckOnce(context.Background(), func() { done = true })
	require.True(t, done)
}

func restMessage(url, method string) *message.Message {
	content := fmt.Sprintf(`{"transport":{"type":"rest","httpMethod":%q,"url":%q,
		"headers":{"X-Test":"1"},"params":{"q":"v"},"data":{"k":"v"}}}`, method, url)
	return message.New("orders", "s1", json.RawMessage(content))
}

func TestRestSendSuccessInjectsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "1", r.Header.Get("X-Test"))
		require.Equal(t, "v", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"ok"}`)
	}))
	defer srv.Close()

	p, err := NewRest(zap.NewNop())
	require.NoError(t, err)
	obs := &captureObserver{}
	p.SetObserver(obs)

	res, err := p.SendMessage(context.Background(), restMessage(srv.URL, "POST"))
	require.NoError(t, err)
	require.Equal(t, SendSuccess, res)

	got := obs.received()
	require.Len(t, got, 1)
	require.Equal(t, "orders", got[0].Channel)
	require.Equal(t, "s1", got[0].Subchannel)
	require.JSONEq(t, `{"reply":"ok"}`, string(got[0].Content))
	require.NotZero(t, got[0].Expiry)
}

func TestRestSendStatusMapping(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p, err := NewRest(zap.NewNop())
	require.NoError(t, err)

	res, err := p.SendMessage(context.Background(), restMessage(srv.URL, "POST"))
	require.Equal(t, SendFailed, res)
	require.ErrorIs(t, err, ErrAuthRequired)

	status = http.StatusBadGateway
	res, err = p.SendMessage(context.Background(), restMessage(srv.URL, "POST"))
	require.Equal(t, SendFailed, res)
	require.ErrorIs(t, err, ErrTransientNetwork)

	status = http.StatusBadRequest
	res, err = p.SendMessage(context.Background(), restMessage(srv.URL, "POST"))
	require.Equal(t, SendFailedDoNotRetry, res)
	require.ErrorIs(t, err, ErrPermanent)
}

func TestRestSendWithoutTransportSpec(t *testing.T) {
	p, err := NewRest(zap.NewNop())
	require.NoError(t, err)
	res, err := p.SendMessage(context.Background(), message.New("orders", "s1", json.RawMessage(`{"x":1}`)))
	require.Equal(t, SendFailedDoNotRetry, res)
	require.ErrorIs(t, err, ErrPermanent)
}

func serviceBusConfig(endpoint string) string {
	return fmt.Sprintf(`{"endpoint":%q,"keyName":"device","key":"secret"}`, endpoint)
}

func TestServiceBusSend(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p, err := NewServiceBus(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Configure(serviceBusConfig(srv.URL)))

	m := message.New("orders", "s1", json.RawMessage(`{"x":1}`))
	res, err := p.SendMessage(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, SendSuccess, res)
	require.Contains(t, gotAuth, "SharedAccessSignature sr=")
	require.Contains(t, gotAuth, "skn=device")
}

func TestServiceBusReceiveLoop(t *testing.T) {
	inbound := message.New("orders", "new", json.RawMessage(`{"n":1}`))
	payload, err := inbound.Encode()
	require.NoError(t, err)

	var served sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/orders/messages/head", r.URL.Path)
		sent := false
		served.Do(func() {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(payload)
			sent = true
		})
		if !sent {
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	p, err := NewServiceBus(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Configure(serviceBusConfig(srv.URL)))
	obs := &captureObserver{}
	p.SetObserver(obs)

	require.NoError(t, p.SubscribeChannel("orders"))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(obs.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	got := obs.received()[0]
	require.Equal(t, inbound.ID, got.ID)
	require.Equal(t, "new", got.Subchannel)

	// Unsubscribe blocks until the poll loop is fully torn down.
	require.NoError(t, p.UnsubscribeChannel("orders"))
}

func TestServiceBusCheckOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "0", r.URL.Query().Get("timeout"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewServiceBus(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Configure(serviceBusConfig(srv.URL)))
	require.NoError(t, p.SubscribeChannel("orders"))

	done := make(chan struct{})
	p.CheckOnce(context.Background(), func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("check did not complete")
	}
}

func TestCloudSendAuthStates(t *testing.T) {
	p, err := NewCloud(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Configure(`{"endpoint":"https://backend.example.test"}`))
	cloud := p.(*Cloud)

	m := message.New("orders", "s1", json.RawMessage(`{"transport":{"api":"submit"}}`))

	// No token, no UI: retryable but waiting on foreground.
	res, err := p.SendMessage(context.Background(), m)
	require.Equal(t, SendFailed, res)
	require.ErrorIs(t, err, ErrNoUI)

	cloud.SetUIAvailable(true)
	res, err = p.SendMessage(context.Background(), m)
	require.Equal(t, SendFailed, res)
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestCloudSendInvokesAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/submit", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewCloud(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Configure(fmt.Sprintf(`{"endpoint":%q,"token":"tok-1"}`, srv.URL)))

	m := message.New("orders", "s1", json.RawMessage(`{"transport":{"api":"submit"}}`))
	res, err := p.SendMessage(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, SendSuccess, res)
}

func TestCloudTokenClearedOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewCloud(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Configure(fmt.Sprintf(`{"endpoint":%q,"token":"stale"}`, srv.URL)))
	cloud := p.(*Cloud)
	cloud.SetUIAvailable(true)

	m := message.New("orders", "s1", nil)
	res, err := p.SendMessage(context.Background(), m)
	require.Equal(t, SendFailed, res)
	require.ErrorIs(t, err, ErrAuthRequired)

	// Next attempt sees the cleared token.
	res, err = p.SendMessage(context.Background(), m)
	require.Equal(t, SendFailed, res)
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestCloudPushReceived(t *testing.T) {
	p, err := NewCloud(zap.NewNop())
	require.NoError(t, err)
	obs := &captureObserver{}
	p.SetObserver(obs)

	inbound := message.New("orders", "new", json.RawMessage(`{"n":1}`))
	payload, err := inbound.Encode()
	require.NoError(t, err)
	p.(*Cloud).PushReceived(payload)

	got := obs.received()
	require.Len(t, got, 1)
	require.Equal(t, "cloud", got[0].Provider)
}
