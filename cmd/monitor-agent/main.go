package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/internal/monitor"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "orchestrator base URL")
	hostID := flag.String("host-id", "", "host identifier in the topology")
	token := flag.String("token", os.Getenv("FOG_API_AUTH_TOKEN"), "API bearer token")
	period := flag.Duration("period", time.Second, "reporting period")
	flag.Parse()

	if *hostID == "" {
		name, err := os.Hostname()
		if err != nil {
			logrus.WithError(err).Fatal("host-id is required")
		}
		*hostID = name
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{"server": *server, "host_id": *hostID, "period": *period}).
		Info("monitor agent reporting")
	monitor.NewAgent(*server, *hostID, *token, *period).Run(ctx)
}
