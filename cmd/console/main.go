package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/sebas/psapconsole/internal/banner"
	"github.com/sebas/psapconsole/internal/console/app"
	"github.com/sebas/psapconsole/internal/console/config"
	"github.com/sebas/psapconsole/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	lines := make([]string, len(cfg.Lines))
	for i, l := range cfg.Lines {
		lines[i] = fmt.Sprintf("%s (%s)", l.ID, l.Type)
	}
	banner.Print("CONSOLE POSITION", []banner.ConfigLine{
		{Label: "Position", Value: cfg.PositionID},
		{Label: "Device", Value: cfg.Device},
		{Label: "Lines", Value: strings.Join(lines, ", ")},
		{Label: "SIP Listen", Value: fmt.Sprintf("%s:%d (%s)", cfg.BindAddr, cfg.Port, cfg.Transport)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Bridging Nodes", Value: formatNodes(cfg.VCCNodes)},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Log Level", Value: logger.GetLevel()},
	})

	console, err := app.NewConsole(cfg)
	if err != nil {
		slog.Error("Failed to create console", "error", err)
		os.Exit(1)
	}

	run(console)
}

func run(console *app.Console) {
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- console.Start(ctx)
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
		}
	}
	cancel()

	if err := console.Close(); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
}

func formatNodes(nodes map[string]string) string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		ids[i] = fmt.Sprintf("%s=%s", id, nodes[id])
	}
	return strings.Join(ids, ", ")
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
