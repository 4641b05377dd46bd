package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "triaged/pkg/logx"
)

// Kind separates slash commands from button presses in logs.
type Kind string

const (
	KindCommand  Kind = "command"
	KindFeedback Kind = "feedback"
	KindCallback Kind = "callback"
)

// Requests slower than this are logged at INFO.
const slowRequest = 750 * time.Millisecond

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Annotate attaches fields to the request's completion log line.
func (r *Request) Annotate(f ...logx.Field) { r.notes = append(r.notes, f...) }

func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, timeoutOr(d))
			defer cancel()
			return next(cctx, req)
		}
	}
}

// recoverPanic turns a handler panic into an error and tells the owner, so a
// button press does not spin forever.
func recoverPanic() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("handler panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
				if cb := req.Update.Callback; cb != nil {
					_ = req.Adapter.AnswerCallback(ctx, cb.ID, "failed")
					return
				}
				_ = req.Reply(ctx, "internal error")
			}()
			return next(ctx, req)
		}
	}
}

// logRequest writes one line per request. Feedback always lands at INFO since
// it changes learned engagement.
func logRequest() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Kind)),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", d),
			}
			if len(req.Args) > 0 {
				fields = append(fields, logx.Int("args", len(req.Args)))
			}
			fields = append(fields, req.notes...)

			switch {
			case err != nil:
				req.Logger.Warn(string(req.Kind)+" failed", append(fields, logx.Err(err))...)
				return err
			case req.Kind == KindFeedback || d >= slowRequest:
				req.Logger.Info(string(req.Kind)+" handled", fields...)
			default:
				req.Logger.Debug(string(req.Kind)+" handled", fields...)
			}
			return nil
		}
	}
}
