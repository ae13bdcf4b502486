package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mobilemsg/pushbox/internal/message"
)

// Cloud sends through a mobile-backend service: each message invokes a
// named backend API with the message as payload. Authentication uses a
// bearer token minted out of band; a 401 invalidates it and the retry
// path depends on whether a UI is around to run the re-auth flow.
// Inbound traffic arrives over the platform push channel, not a poll
// loop, so the provider itself has nothing to receive.
type Cloud struct {
	log     *zap.Logger
	client  *http.Client
	limiter *rate.Limiter

	mu          sync.Mutex
	observer    Observer
	endpoint    string
	token       string
	uiAvailable bool
	started     bool
}

func NewCloud(log *zap.Logger) (Provider, error) {
	return &Cloud{
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

func (c *Cloud) Name() string { return "cloud" }

func (c *Cloud) Configure(config string) error {
	var cfg struct {
		Endpoint string `json:"endpoint"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return fmt.Errorf("parsing cloud config: %w", err)
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("cloud config missing endpoint")
	}
	c.mu.Lock()
	c.endpoint = strings.TrimRight(cfg.Endpoint, "/")
	c.token = cfg.Token
	c.mu.Unlock()
	return nil
}

func (c *Cloud) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// SetUIAvailable records whether a foreground UI can run a re-auth flow.
func (c *Cloud) SetUIAvailable(available bool) {
	c.mu.Lock()
	c.uiAvailable = available
	c.mu.Unlock()
}

// SetToken installs a freshly minted auth token.
func (c *Cloud) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Cloud) notifyState(st State) {
	c.mu.Lock()
	o := c.observer
	c.mu.Unlock()
	if o != nil {
		o.ConnectionStateChanged(c.Name(), st)
	}
}

func (c *Cloud) Start(context.Context) error {
	c.mu.Lock()
	configured := c.endpoint != ""
	c.started = configured
	c.mu.Unlock()
	if !configured {
		c.notifyState(StateUnconfigured)
		return fmt.Errorf("cloud provider not configured")
	}
	c.notifyState(StateActive)
	return nil
}

func (c *Cloud) Stop() {
	c.mu.Lock()
	c.started = false
	c.token = ""
	c.mu.Unlock()
	c.notifyState(StateIdle)
}

func (c *Cloud) SetNetworkConnected(bool) {}

func (c *Cloud) SubscribeChannel(string) error   { return nil }
func (c *Cloud) UnsubscribeChannel(string) error { return nil }

func (c *Cloud) CheckOnce(_ context.Context, onComplete func()) {
	if onComplete != nil {
		onComplete()
	}
}

// PushReceived hands a platform push payload to the engine as an inbound
// message. The daemon's push bridge calls this.
func (c *Cloud) PushReceived(payload []byte) {
	c.mu.Lock()
	o := c.observer
	c.mu.Unlock()
	if o == nil {
		return
	}
	m, err := message.Decode(payload)
	if err != nil {
		c.log.Warn("dropping undecodable push payload", zap.Error(err))
		return
	}
	if m.Provider == "" {
		m.Provider = c.Name()
	}
	o.MessageReceived(m)
}

func (c *Cloud) SendMessage(ctx context.Context, m *message.Message) (SendResult, error) {
	c.mu.Lock()
	endpoint := c.endpoint
	token := c.token
	uiAvailable := c.uiAvailable
	c.mu.Unlock()

	if endpoint == "" {
		err := fmt.Errorf("%w: cloud provider not configured", ErrPermanent)
		return Classify(err, m.SingleAttempt()), err
	}

	api := "push"
	if spec, ok := m.TransportSpec(); ok && spec.API != "" {
		api = spec.API
	}

	if token == "" {
		// Token acquisition needs the auth flow; whether that is
		// retryable depends on a UI being around to drive it.
		var err error
		if uiAvailable {
			err = fmt.Errorf("%w: no auth token", ErrAuthRequired)
		} else {
			err = fmt.Errorf("%w: no auth token", ErrNoUI)
		}
		return Classify(err, m.SingleAttempt()), err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		err = WrapTransport(err)
		return Classify(err, m.SingleAttempt()), err
	}

	body, err := m.Encode()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPermanent, err)
		return Classify(err, m.SingleAttempt()), err
	}

	target := fmt.Sprintf("%s/api/%s", endpoint, api)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPermanent, err)
		return Classify(err, m.SingleAttempt()), err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		err = WrapTransport(err)
		return Classify(err, m.SingleAttempt()), err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendSuccess, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		if uiAvailable {
			err = fmt.Errorf("%w: backend returned 401", ErrAuthRequired)
		} else {
			err = fmt.Errorf("%w: backend returned 401", ErrNoUI)
		}
	case resp.StatusCode >= 500:
		err = fmt.Errorf("%w: backend returned %d", ErrTransientNetwork, resp.StatusCode)
	default:
		err = fmt.Errorf("%w: backend returned %d", ErrPermanent, resp.StatusCode)
	}
	return Classify(err, m.SingleAttempt()), err
}
