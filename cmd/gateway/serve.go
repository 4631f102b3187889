package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hant916/MCP-Gateway-sub002/internal/config"
	"github.com/hant916/MCP-Gateway-sub002/internal/gatewayhttp"
	"github.com/hant916/MCP-Gateway-sub002/internal/loadbalancer"
	"github.com/hant916/MCP-Gateway-sub002/internal/observability"
	"github.com/hant916/MCP-Gateway-sub002/internal/session"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway's HTTP/WS listener",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessions := session.NewManager(cfg.MCP.Session.Expiration, 60*time.Second)
	pools := loadbalancer.NewManager(cfg.MCP.LoadBalancer.DefaultStrategy)
	events := observability.NewFacade(observability.DefaultWorkerPoolConfig())
	events.Subscribe(func(ev observability.Event) {
		log.Printf("event type=%s requestId=%s mode=%s reason=%s ttfb=%dms", ev.Type, ev.RequestID, ev.Mode, ev.Reason, ev.TTFBMs)
	})

	srv := gatewayhttp.NewServer(sessions, pools, events)

	log.Printf("gateway listening on %s", listenAddr)
	return http.ListenAndServe(listenAddr, srv.Router)
}
