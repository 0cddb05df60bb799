package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

var errUnreadableAck = errors.New("immediate response is not an acknowledgement")

// limiterSet throttles outbound calls per counterparty host so one slow or
// chatty seller cannot starve the others.
type limiterSet struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps * 2)
	}
	return &limiterSet{rps: rate.Limit(rps), burst: burst, byKey: map[string]*rate.Limiter{}}
}

func (l *limiterSet) get(endpoint string) *rate.Limiter {
	key := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		key = u.Host
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.byKey[key] = lim
	}
	return lim
}

type transport struct {
	client   *resty.Client
	limiters *limiterSet
}

func newTransport(httpClient *http.Client, timeout time.Duration, rps float64, burst int) *transport {
	var c *resty.Client
	if httpClient != nil {
		c = resty.NewWithClient(httpClient)
	} else {
		c = resty.New()
	}
	c.SetTimeout(timeout)
	c.SetHeader("Content-Type", "application/json")
	return &transport{client: c, limiters: newLimiterSet(rps, burst)}
}

type reply struct {
	StatusCode int
	Ack        ondc.AckResponse
	Err        error
}

// post sends body verbatim: the bytes on the wire are the bytes that were
// digested and signed.
func (t *transport) post(ctx context.Context, endpoint string, body []byte, authorization string) reply {
	if err := t.limiters.get(endpoint).Wait(ctx); err != nil {
		return reply{Err: err}
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Authorization", authorization).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return reply{Err: err}
	}
	out := reply{StatusCode: resp.StatusCode()}
	raw := resp.Body()
	if len(strings.TrimSpace(string(raw))) == 0 || json.Unmarshal(raw, &out.Ack) != nil || out.Ack.Message.Ack.Status == "" {
		out.Err = errUnreadableAck
	}
	return out
}

func endpointFor(base string, action ondc.Action) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + string(action)
}
