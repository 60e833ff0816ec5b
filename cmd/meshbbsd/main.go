package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/martinbogo/meshbbs/internal/bus"
	"github.com/martinbogo/meshbbs/internal/config"
	"github.com/martinbogo/meshbbs/internal/logging"
	"github.com/martinbogo/meshbbs/internal/metrics"
	"github.com/martinbogo/meshbbs/internal/nodecache"
	"github.com/martinbogo/meshbbs/internal/radio"
	"github.com/martinbogo/meshbbs/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run meshbbsd", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.toml", "path to config file")
	port := flag.String("port", "", "serial port override, e.g. /dev/ttyUSB0")
	tcpHost := flag.String("tcp", "", "connect over TCP to this host instead of serial")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*port) != "" {
		cfg.Meshtastic.Port = strings.TrimSpace(*port)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("daemon")

	if cfg.Metrics.Enabled {
		addr, err := metrics.StartServer(ctx, cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("metrics endpoint up", "addr", addr)
	}

	var tr transport.Transport
	if strings.TrimSpace(*tcpHost) != "" {
		tr = transport.NewIPTransport(strings.TrimSpace(*tcpHost), 0)
	} else {
		tr = transport.NewSerialTransport(cfg.Meshtastic.Port, cfg.Meshtastic.BaudRate)
	}

	codec, err := radio.NewMeshtasticCodec()
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	nodes := nodecache.New(cfg.Meshtastic.NodeCacheFile, logMgr.Logger("nodecache"))

	svc := radio.NewService(logMgr.Logger("radio"), b, tr, codec, nodes, radio.ServiceConfig{
		Pacing: radio.PacingFromConfig(cfg.Pacing, cfg.Meshtastic.MaxMessageBytes),
		Decoder: transport.DecoderConfig{
			MaxFrameBytes: cfg.Meshtastic.MaxFrameBytes,
		},
		Legacy:     transport.NewSlipFramer(),
		NodeMaxAge: time.Duration(cfg.Meshtastic.NodeMaxAgeDays) * 24 * time.Hour,
	})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start radio service: %w", err)
	}

	logger.Info("meshbbsd up", "transport", tr.Name())
	consumeEvents(ctx, logger, nodes, svc)
	logger.Info("meshbbsd shutting down")
	return nil
}

// consumeEvents drains the facade's event stream and logs it. The BBS
// session layer attaches here.
func consumeEvents(ctx context.Context, logger *slog.Logger, nodes *nodecache.Cache, svc *radio.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-svc.Events():
			switch ev := ev.(type) {
			case radio.IncomingText:
				logger.Info("text message",
					"from", nodeLabel(nodes, ev.From),
					"broadcast", ev.Broadcast,
					"channel", ev.Channel,
					"body", ev.Payload)
			case radio.NodeInfo:
				logger.Info("node heard", "node", ev.NodeNum, "short", ev.ShortName, "long", ev.LongName)
			case radio.ConfigComplete:
				logger.Info("device configuration synced", "node_num", svc.LocalNodeNum())
			case radio.AckReceived:
				logger.Debug("routing ack", "message_id", ev.MessageID, "from", ev.FromNode, "failed", ev.Failed)
			}
		}
	}
}

func nodeLabel(nodes *nodecache.Cache, nodeNum uint32) string {
	if entry, ok := nodes.Lookup(nodeNum); ok && entry.LongName != "" {
		return fmt.Sprintf("%s (%d)", entry.LongName, nodeNum)
	}
	return fmt.Sprintf("%d", nodeNum)
}
