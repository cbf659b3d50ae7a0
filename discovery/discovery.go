// Package discovery publishes and resolves server endpoints through etcd.
//
// A server announces its advertise address under /farcall/{service}/{addr}
// with a TTL lease that KeepAlive renews in the background; if the server
// dies, the lease expires and the entry disappears on its own, so clients
// never resolve a ghost endpoint. Clients resolve a service name to a
// single address; picking among multiple live instances is out of scope
// here, callers get the endpoint list if they want to choose.
package discovery

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/pkg/errors"
)

const prefix = "/farcall/"

// AnnounceTTL is the lease TTL in seconds; KeepAlive renews well within it.
const AnnounceTTL int64 = 10

// Client wraps an etcd client for endpoint announcement and resolution.
// Safe for concurrent use.
type Client struct {
	cli *clientv3.Client
	log *zap.Logger
}

func New(endpoints []string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, errors.Wrap(err, "connect discovery registry")
	}
	return &Client{cli: cli, log: log}, nil
}

// Announce publishes addr under service with a renewed TTL lease.
func (c *Client) Announce(ctx context.Context, service, addr string) error {
	lease, err := c.cli.Grant(ctx, AnnounceTTL)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	if _, err := c.cli.Put(ctx, prefix+service+"/"+addr, addr, clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrap(err, "publish endpoint")
	}

	ch, err := c.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	// Drain renewal acks so the channel never fills up.
	go func() {
		for range ch {
		}
		c.log.Debug("lease renewal stopped", zap.String("service", service))
	}()
	return nil
}

// Withdraw removes addr from service. Called before a server stops
// listening so clients quit routing to it.
func (c *Client) Withdraw(ctx context.Context, service, addr string) error {
	_, err := c.cli.Delete(ctx, prefix+service+"/"+addr)
	return errors.Wrap(err, "withdraw endpoint")
}

// Endpoints lists the currently announced addresses for service.
func (c *Client) Endpoints(ctx context.Context, service string) ([]string, error) {
	resp, err := c.cli.Get(ctx, prefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list endpoints")
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addrs = append(addrs, string(kv.Value))
	}
	return addrs, nil
}

// Resolve returns one live address for service.
func (c *Client) Resolve(ctx context.Context, service string) (string, error) {
	addrs, err := c.Endpoints(ctx, service)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("no endpoint announced for service %q", service)
	}
	return addrs[0], nil
}

// Watch emits the full endpoint list whenever service membership changes
// (announcements, withdrawals, lease expirations). etcd pushes events;
// re-fetching the list on each event is simpler than folding deltas.
func (c *Client) Watch(ctx context.Context, service string) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		for range c.cli.Watch(ctx, prefix+service+"/", clientv3.WithPrefix()) {
			addrs, err := c.Endpoints(ctx, service)
			if err != nil {
				c.log.Warn("refresh endpoints failed", zap.String("service", service), zap.Error(err))
				continue
			}
			out <- addrs
		}
	}()
	return out
}

func (c *Client) Close() error {
	return c.cli.Close()
}
