package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/adapter/httpclient"
)

// DialFunc opens a connection to a relay endpoint
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// checkRelays returns the relays that parse and accept a TCP connection, in
// their configured order. Unusable ones are logged and dropped.
func checkRelays(ctx context.Context, relays []string, timeout time.Duration, dial DialFunc, logger *zap.Logger) []string {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ok := make([]bool, len(relays))

	var wg sync.WaitGroup
	for i, relay := range relays {
		u, err := httpclient.ParseProxy(relay)
		if err != nil {
			logger.Warn("dropping relay", zap.String("relay", relay), zap.Error(err))
			continue
		}
		if u == nil {
			ok[i] = true
			continue
		}

		wg.Add(1)
		go func(i int, relay, addr string) {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			conn, err := dial(dctx, "tcp", addr)
			if err != nil {
				logger.Warn("relay unreachable", zap.String("relay", relay), zap.Error(err))
				return
			}
			conn.Close()
			ok[i] = true
		}(i, relay, u.Host)
	}
	wg.Wait()

	usable := make([]string, 0, len(relays))
	for i, relay := range relays {
		if ok[i] {
			usable = append(usable, relay)
		}
	}
	return usable
}
