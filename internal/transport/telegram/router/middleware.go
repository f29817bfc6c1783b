package router

import (
	"context"
	"fmt"
	"time"

	logx "chirpwatch/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so the first middleware runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Timeout bounds a handler; zero means two minutes.
func Timeout(d time.Duration) Middleware {
	if d <= 0 {
		d = 2 * time.Minute
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func Recover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					l := log
					if !req.Logger.IsZero() {
						l = req.Logger
					}
					l.Error("panic recovered", logx.Any("panic", p), logx.Stack(logx.StackTrace(3, 32)))
					err = fmt.Errorf("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

// RequestLog logs failures at warn and slow successes at info.
func RequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			case d >= 750*time.Millisecond:
				req.Logger.Info("command ok", logx.Duration("dur", d))
			default:
				req.Logger.Debug("command ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}
