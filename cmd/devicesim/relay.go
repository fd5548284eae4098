package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

const (
	relayActivated byte = 0x01
	relayReleased  byte = 0x00
)

// relay answers every datagram with an activation byte and, after
// releaseAfter, a release byte sent to the same peer.
type relay struct {
	conn         net.PacketConn
	releaseAfter time.Duration
	// skipRelease leaves the relay activated, which exercises the release
	// budget on the caller side.
	skipRelease bool
	logger      *logger.Logger
}

func (r *relay) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, peer, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.logger.Info(ctx, "Trigger received", "peer", peer.String(), "bytes", n)

		if _, err := r.conn.WriteTo([]byte{relayActivated}, peer); err != nil {
			r.logger.Warn(ctx, "Failed to send activation", "peer", peer.String(), "error", err)
			continue
		}
		if r.skipRelease {
			continue
		}
		go r.release(ctx, peer)
	}
}

func (r *relay) release(ctx context.Context, peer net.Addr) {
	t := time.NewTimer(r.releaseAfter)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if _, err := r.conn.WriteTo([]byte{relayReleased}, peer); err != nil {
		r.logger.Warn(ctx, "Failed to send release", "peer", peer.String(), "error", err)
		return
	}
	r.logger.Info(ctx, "Relay released", "peer", peer.String())
}
