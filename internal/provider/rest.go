package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mobilemsg/pushbox/internal/message"
)

// Response messages never meaningfully expire; mirror that with a far
// future expiry so the inbox housekeeping leaves them alone.
const restResponseTTL = 100 * 365 * 24 * time.Hour

// Rest is the generic REST transport. The request is described entirely by
// the message's content.transport object; a non-empty response body is
// re-injected as an inbound message on the same channel and subchannel.
// There is no receive loop: inbound traffic only ever originates from send
// responses.
type Rest struct {
	log     *zap.Logger
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	observer Observer
	started  bool
}

func NewRest(log *zap.Logger) (Provider, error) {
	return &Rest{
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

func (r *Rest) Name() string { return "rest" }

func (r *Rest) Configure(config string) error {
	if config == "" {
		return nil
	}
	var cfg struct {
		RatePerSec float64 `json:"ratePerSec"`
		Burst      int     `json:"burst"`
		TimeoutSec int     `json:"timeoutSec"`
	}
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return fmt.Errorf("parsing rest config: %w", err)
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if cfg.TimeoutSec > 0 {
		r.client.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return nil
}

func (r *Rest) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

func (r *Rest) Start(context.Context) error {
	r.mu.Lock()
	r.started = true
	o := r.observer
	r.mu.Unlock()
	if o != nil {
		o.ConnectionStateChanged(r.Name(), StateActive)
	}
	return nil
}

func (r *Rest) Stop() {
	r.mu.Lock()
	r.started = false
	o := r.observer
	r.mu.Unlock()
	if o != nil {
		o.ConnectionStateChanged(r.Name(), StateIdle)
	}
}

func (r *Rest) SetNetworkConnected(bool) {}

func (r *Rest) SubscribeChannel(string) error   { return nil }
func (r *Rest) UnsubscribeChannel(string) error { return nil }

func (r *Rest) CheckOnce(_ context.Context, onComplete func()) {
	if onComplete != nil {
		onComplete()
	}
}

func (r *Rest) SendMessage(ctx context.Context, m *message.Message) (SendResult, error) {
	spec, ok := m.TransportSpec()
	if !ok || spec.URL == "" {
		err := fmt.Errorf("%w: message %s carries no rest transport spec", ErrPermanent, m.ID)
		return Classify(err, m.SingleAttempt()), err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		err = WrapTransport(err)
		return Classify(err, m.SingleAttempt()), err
	}

	req, err := r.buildRequest(ctx, spec)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPermanent, err)
		return Classify(err, m.SingleAttempt()), err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		err = WrapTransport(err)
		return Classify(err, m.SingleAttempt()), err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		r.injectResponse(m, body)
		return SendSuccess, nil
	case resp.StatusCode == http.StatusUnauthorized:
		err = fmt.Errorf("%w: rest endpoint returned 401", ErrAuthRequired)
	case resp.StatusCode >= 500:
		err = fmt.Errorf("%w: rest endpoint returned %d", ErrTransientNetwork, resp.StatusCode)
	default:
		err = fmt.Errorf("%w: rest endpoint returned %d", ErrPermanent, resp.StatusCode)
	}
	return Classify(err, m.SingleAttempt()), err
}

func (r *Rest) buildRequest(ctx context.Context, spec *message.Transport) (*http.Request, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	for k, v := range spec.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(spec.Data) > 0 && method != http.MethodGet {
		body = bytes.NewReader(spec.Data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		ct := spec.ContentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	return req, nil
}

// injectResponse delivers the endpoint's response body as an inbound
// message so listeners on the same address see the reply.
func (r *Rest) injectResponse(sent *message.Message, body []byte) {
	r.mu.Lock()
	o := r.observer
	r.mu.Unlock()
	if o == nil || len(bytes.TrimSpace(body)) == 0 {
		return
	}
	content := json.RawMessage(body)
	if !json.Valid(body) {
		enc, err := json.Marshal(map[string]string{"body": string(body)})
		if err != nil {
			r.log.Warn("dropping unencodable rest response", zap.String("sent", sent.ID))
			return
		}
		content = enc
	}
	resp := message.New(sent.Channel, sent.Subchannel, content)
	resp.Provider = r.Name()
	resp.Expiry = time.Now().Add(restResponseTTL).UnixMilli()
	o.MessageReceived(resp)
}
