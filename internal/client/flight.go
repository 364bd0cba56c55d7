package client

import "context"

// flight is one coalesced provider fetch. Its context ends once every caller
// waiting on it has returned, so one abandoned caller never fails another.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// shared runs fn once per key across concurrent callers. Each caller waits on
// its own ctx and stops waiting when that ends.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (fetchResult, error)) (fetchResult, error) {
	f := c.join(ctx, key)
	defer c.leave(key, f)

	ch := c.flights.DoChan(key, func() (any, error) {
		return fn(f.ctx)
	})
	select {
	case <-ctx.Done():
		return fetchResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return fetchResult{}, r.Err
		}
		return r.Val.(fetchResult), nil
	}
}

func (c *Client) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.inflight[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.inflight[key] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter. The last one out cancels the fetch and makes the
// next caller start a fresh one.
func (c *Client) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	c.flights.Forget(key)
}
