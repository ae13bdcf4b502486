package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

const (
	sasTokenTTL     = time.Hour
	longPollSeconds = 55
)

type sasToken struct {
	value   string
	expires time.Time
}

// ServiceBus talks to a queue/topic HTTP broker. Sends are POSTs to the
// channel's message endpoint; receiving is one long-poll destructive-read
// loop per subscribed channel, each on its own goroutine. Requests carry a
// SAS token derived from a shared key, cached per resource for an hour.
type ServiceBus struct {
	log    *zap.Logger
	client *http.Client

	mu        sync.Mutex
	observer  Observer
	endpoint  string
	keyName   string
	key       string
	baseCtx   context.Context
	started   bool
	connected bool
	tokens    map[string]sasToken
	receivers map[string]*receiver
}

// receiver is one channel's long-poll loop. cancel interrupts the blocked
// poll; done closes once the loop has fully torn down, so unsubscribe can
// wait for the disconnect instead of racing it.
type receiver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewServiceBus(log *zap.Logger) (Provider, error) {
	return &ServiceBus{
		log:       log,
		client:    &http.Client{Timeout: (longPollSeconds + 10) * time.Second},
		tokens:    make(map[string]sasToken),
		receivers: make(map[string]*receiver),
		connected: true,
	}, nil
}

func (s *ServiceBus) Name() string { return "servicebus" }

func (s *ServiceBus) Configure(config string) error {
	var cfg struct {
		Endpoint string `json:"endpoint"`
		KeyName  string `json:"keyName"`
		Key      string `json:"key"`
	}
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return fmt.Errorf("parsing servicebus config: %w", err)
	}
	if cfg.Endpoint == "" || cfg.KeyName == "" || cfg.Key == "" {
		return fmt.Errorf("servicebus config missing endpoint or credentials")
	}
	s.mu.Lock()
	s.endpoint = strings.TrimRight(cfg.Endpoint, "/")
	s.keyName = cfg.KeyName
	s.key = cfg.Key
	s.mu.Unlock()
	return nil
}

func (s *ServiceBus) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *ServiceBus) notifyState(st State) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.ConnectionStateChanged(s.Name(), st)
	}
}

func (s *ServiceBus) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.endpoint == "" {
		s.mu.Unlock()
		s.notifyState(StateUnconfigured)
		return fmt.Errorf("servicebus not configured")
	}
	s.baseCtx = ctx
	s.started = true
	channels := make([]string, 0, len(s.receivers))
	for ch := range s.receivers {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	s.notifyState(StateConnecting)
	// Receivers registered before start were recorded without a loop.
	for _, ch := range channels {
		s.startReceiver(ch)
	}
	s.notifyState(StateConnected)
	return nil
}

func (s *ServiceBus) Stop() {
	s.notifyState(StateDisconnecting)
	s.mu.Lock()
	s.started = false
	recvs := s.receivers
	s.receivers = make(map[string]*receiver)
	// Cached tokens die with the connection.
	s.tokens = make(map[string]sasToken)
	for ch := range recvs {
		s.receivers[ch] = &receiver{}
	}
	s.mu.Unlock()

	for _, r := range recvs {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
	}
	s.notifyState(StateIdle)
}

func (s *ServiceBus) SetNetworkConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	if connected {
		s.notifyState(StateReconnecting)
		s.mu.Lock()
		channels := make([]string, 0, len(s.receivers))
		for ch, r := range s.receivers {
			if r.cancel == nil {
				channels = append(channels, ch)
			}
		}
		s.mu.Unlock()
		for _, ch := range channels {
			s.startReceiver(ch)
		}
		s.notifyState(StateConnected)
		return
	}
	s.mu.Lock()
	recvs := make(map[string]*receiver, len(s.receivers))
	for ch, r := range s.receivers {
		recvs[ch] = r
		s.receivers[ch] = &receiver{}
	}
	s.mu.Unlock()
	for _, r := range recvs {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
	}
}

func (s *ServiceBus) SubscribeChannel(channel string) error {
	s.mu.Lock()
	if _, ok := s.receivers[channel]; ok {
		s.mu.Unlock()
		return nil
	}
	s.receivers[channel] = &receiver{}
	started := s.started && s.connected
	s.mu.Unlock()
	if started {
		s.startReceiver(channel)
	}
	return nil
}

// UnsubscribeChannel blocks until the channel's poll loop has actually
// torn down its connection.
func (s *ServiceBus) UnsubscribeChannel(channel string) error {
	s.mu.Lock()
	r, ok := s.receivers[channel]
	delete(s.receivers, channel)
	s.mu.Unlock()
	if ok && r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}

func (s *ServiceBus) startReceiver(channel string) {
	s.mu.Lock()
	base := s.baseCtx
	r, ok := s.receivers[channel]
	if !ok || r.cancel != nil || base == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(base)
	r.cancel = cancel
	r.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		s.pollLoop(ctx, channel)
	}()
}

func (s *ServiceBus) pollLoop(ctx context.Context, channel string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.receiveOne(ctx, channel, longPollSeconds); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("poll failed, backing off", zap.String("channel", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// receiveOne performs one destructive read with the given poll timeout.
// It reports whether a message was received.
func (s *ServiceBus) receiveOne(ctx context.Context, channel string, timeoutSec int) (bool, error) {
	s.mu.Lock()
	endpoint := s.endpoint
	o := s.observer
	s.mu.Unlock()
	if endpoint == "" {
		return false, fmt.Errorf("servicebus not configured")
	}

	target := fmt.Sprintf("%s/%s/messages/head?timeout=%d", endpoint, channel, timeoutSec)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", s.token(endpoint+"/"+channel))

	resp, err := s.client.Do(req)
	if err != nil {
		return false, WrapTransport(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return false, WrapTransport(err)
		}
		m, err := message.Decode(body)
		if err != nil {
			s.log.Warn("dropping undecodable broker message", zap.String("channel", channel), zap.Error(err))
			return false, nil
		}
		if m.Channel == "" {
			m.Channel = channel
		}
		if m.Provider == "" {
			m.Provider = s.Name()
		}
		if o != nil {
			o.MessageReceived(m)
		}
		return true, nil
	case http.StatusNoContent:
		return false, nil
	case http.StatusUnauthorized:
		s.dropToken(endpoint + "/" + channel)
		return false, fmt.Errorf("%w: broker returned 401", ErrAuthRequired)
	default:
		return false, fmt.Errorf("broker returned %d", resp.StatusCode)
	}
}

func (s *ServiceBus) SendMessage(ctx context.Context, m *message.Message) (SendResult, error) {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()
	if endpoint == "" {
		err := fmt.Errorf("%w: servicebus not configured", ErrPermanent)
		return Classify(err, m.SingleAttempt()), err
	}

	body, err := m.Encode()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPermanent, err)
		return Classify(err, m.SingleAttempt()), err
	}

	target := fmt.Sprintf("%s/%s/messages", endpoint, m.Channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPermanent, err)
		return Classify(err, m.SingleAttempt()), err
	}
	req.Header.Set("Authorization", s.token(endpoint+"/"+m.Channel))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		err = WrapTransport(err)
		return Classify(err, m.SingleAttempt()), err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendSuccess, nil
	case resp.StatusCode == http.StatusUnauthorized:
		s.dropToken(endpoint + "/" + m.Channel)
		err = fmt.Errorf("%w: broker returned 401", ErrAuthRequired)
	case resp.StatusCode >= 500:
		err = fmt.Errorf("%w: broker returned %d", ErrTransientNetwork, resp.StatusCode)
	default:
		err = fmt.Errorf("%w: broker returned %d", ErrPermanent, resp.StatusCode)
	}
	return Classify(err, m.SingleAttempt()), err
}

// CheckOnce runs a single zero-timeout receive pass over every subscribed
// channel, draining whatever the broker has buffered, then signals done.
func (s *ServiceBus) CheckOnce(ctx context.Context, onComplete func()) {
	s.mu.Lock()
	channels := make([]string, 0, len(s.receivers))
	for ch := range s.receivers {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	go func() {
		defer func() {
			if onComplete != nil {
				onComplete()
			}
		}()
		for _, ch := range channels {
			for {
				got, err := s.receiveOne(ctx, ch, 0)
				if err != nil || !got {
					break
				}
			}
		}
	}()
}

// token returns a cached SAS token for the resource, minting a new one
// when missing or within a minute of expiry.
func (s *ServiceBus) token(resource string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[resource]; ok && time.Until(t.expires) > time.Minute {
		return t.value
	}
	expires := time.Now().Add(sasTokenTTL)
	value := signSAS(resource, s.keyName, s.key, expires)
	s.tokens[resource] = sasToken{value: value, expires: expires}
	return value
}

func (s *ServiceBus) dropToken(resource string) {
	s.mu.Lock()
	delete(s.tokens, resource)
	s.mu.Unlock()
}

func signSAS(resource, keyName, key string, expires time.Time) string {
	encoded := url.QueryEscape(resource)
	exp := expires.Unix()
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s\n%d", encoded, exp)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		encoded, url.QueryEscape(sig), exp, keyName)
}
