// Command devicesim emulates the gate relay's UDP endpoint for local
// development.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahrav/gatekeeper/pkg/common/logger"
	"github.com/ahrav/gatekeeper/pkg/common/otel"
)

func main() {
	addr := flag.String("addr", ":8050", "UDP listen address")
	releaseAfter := flag.Duration("release-after", 500*time.Millisecond, "delay between activation and release")
	skipRelease := flag.Bool("skip-release", false, "never report the relay released")
	flag.Parse()

	log := logger.New(os.Stdout, logger.LevelInfo, "devicesim", otel.GetTraceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := net.ListenPacket("udp", *addr)
	if err != nil {
		log.Error(ctx, "startup", "addr", *addr, "err", err)
		os.Exit(1)
	}

	log.Info(ctx, "startup", "status", "listening", "addr", conn.LocalAddr().String(),
		"release_after", *releaseAfter, "skip_release", *skipRelease)

	r := &relay{conn: conn, releaseAfter: *releaseAfter, skipRelease: *skipRelease, logger: log}
	if err := r.serve(ctx); err != nil {
		log.Error(ctx, "shutdown", "err", err)
		os.Exit(1)
	}
	log.Info(ctx, "shutdown", "status", "stopped")
}
