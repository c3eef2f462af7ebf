package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy 单次外部调用的超时与重试策略
type Policy struct {
	Timeout        time.Duration // 单次尝试超时，<=0 表示不设
	MaxRetries     int           // 首次失败后的最大重试次数
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy 默认策略：60s 超时，重试 2 次，指数退避
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        60 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
	}
}

// Notify 每次失败后、下次重试前回调
type Notify func(attempt int, err error, wait time.Duration)

// Permanent 标记不可重试的错误（参数错误、解析失败、4xx 等）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent 判断错误是否被标记为不可重试
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do 按策略执行 op：每次尝试独立超时，超时视为瞬时失败。
// 父 ctx 取消时立即返回，不再重试。
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		callCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		res, err := op(callCtx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			// 父 ctx 已结束，停止重试
			return res, backoff.Permanent(ctx.Err())
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.maxTries())),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}

	return backoff.Retry(ctx, operation, opts...)
}

func (p Policy) maxTries() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0.1
	return b
}
