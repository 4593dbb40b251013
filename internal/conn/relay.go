package conn

import (
	"context"

	"github.com/ringroute/overlay/internal/peerid"
)

// DialRelay joins (or creates) the shared relay session for endpoint and
// returns a Connection to target multiplexed over it. It mirrors DialP2P's
// shape so the Partner Supervisor can treat both transports uniformly.
func DialRelay(ctx context.Context, pool *RelayPool, endpoint RelayEndpoint, self, target, userID peerid.ID, roomID string, onMessage func([]byte)) (*Connection, error) {
	return pool.Connect(ctx, endpoint, self, target, userID, roomID, onMessage)
}
