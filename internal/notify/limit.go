package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

const defaultCallTimeout = 10 * time.Second

// limits bounds one gateway call: wait for a token, then run under a timeout.
type limits struct {
	limiter *rate.Limiter
	timeout time.Duration
}

func newLimits(ratePerSec int, timeout time.Duration) limits {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	return limits{limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec), timeout: timeout}
}

func (l limits) do(ctx context.Context, call func(ctx context.Context) Result) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if l.limiter != nil {
		if err := l.limiter.Wait(callCtx); err != nil {
			return failed(KindRateLimited, err)
		}
	}
	res := call(callCtx)
	if !res.Success && res.ErrorKind == "" {
		res.ErrorKind = KindTransport
	}
	if !res.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.ErrorKind = KindTimeout
	}
	return res
}

type limitedPush struct {
	next PushGateway
	lim  limits
}

// LimitPush wraps p with a rate limiter and a per-call timeout.
func LimitPush(p PushGateway, ratePerSec int, timeout time.Duration) PushGateway {
	return &limitedPush{next: p, lim: newLimits(ratePerSec, timeout)}
}

func (l *limitedPush) Send(ctx context.Context, token, title, body string, metadata map[string]string) Result {
	return l.lim.do(ctx, func(c context.Context) Result { return l.next.Send(c, token, title, body, metadata) })
}

type limitedEmail struct {
	next EmailGateway
	lim  limits
}

// LimitEmail wraps e with a rate limiter and a per-call timeout.
func LimitEmail(e EmailGateway, ratePerSec int, timeout time.Duration) EmailGateway {
	return &limitedEmail{next: e, lim: newLimits(ratePerSec, timeout)}
}

func (l *limitedEmail) SendTemplate(ctx context.Context, address, templateID string, vars map[string]string) Result {
	return l.lim.do(ctx, func(c context.Context) Result { return l.next.SendTemplate(c, address, templateID, vars) })
}
