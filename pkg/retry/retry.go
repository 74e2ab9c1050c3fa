// Package retry 提供可注入的有界重试策略
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted 重试次数用尽，包装最后一次错误
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy 有界重试策略: 最大次数 + 固定退避 + 可重试判断
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration

	// Retryable 为 nil 时所有错误都可重试
	Retryable func(error) bool
}

// Do 执行 op，直到成功、遇到不可重试的错误、次数用尽或 ctx 取消
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}
