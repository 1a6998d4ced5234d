package main

import (
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/booking"
	"github.com/thinkermao/marquee/raft"
	"github.com/thinkermao/marquee/raft/wal"
	"github.com/thinkermao/marquee/server"
	"github.com/thinkermao/marquee/server/transport"
)

// Exit codes: 0 normal, 1 config error, 2 bind failure,
// 3 persistent-store corruption.
const (
	exitConfig  = 1
	exitBind    = 2
	exitCorrupt = 3
)

func main() {
	configPath := flag.String("config", "marquee.yaml", "path to the node configuration")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(exitConfig)
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.Errorf("bad log level %q: %v", config.LogLevel, err)
		os.Exit(exitConfig)
	}
	log.SetLevel(level)

	if err := os.MkdirAll(config.Node.DataDir, 0755); err != nil {
		log.Errorf("create data dir: %v", err)
		os.Exit(exitConfig)
	}

	// Bind both listeners first: peers may call the moment we are
	// reachable, and elections tolerate peers that are not yet up,
	// so no further startup coordination is needed.
	raftListener, err := net.Listen("tcp", config.Node.RaftAddr)
	if err != nil {
		log.Errorf("bind raft address %s: %v", config.Node.RaftAddr, err)
		os.Exit(exitBind)
	}
	clientListener, err := net.Listen("tcp", config.Node.ListenAddr)
	if err != nil {
		log.Errorf("bind listen address %s: %v", config.Node.ListenAddr, err)
		os.Exit(exitBind)
	}

	machine := booking.MakeMachine(config.Booking.ApplyCacheSize)
	peerTransport := transport.NewHTTP(config.RaftAddrs())

	opts := raft.Options{
		ElectionTickMin:  config.Raft.ElectionTimeoutMinMs,
		ElectionTickMax:  config.Raft.ElectionTimeoutMaxMs,
		HeartbeatTick:    config.Raft.HeartbeatIntervalMs,
		TickSize:         config.Raft.TickSizeMs,
		MaxEntriesPerMsg: config.Raft.MaxEntriesPerMsg,
		RPCDeadline:      config.RPCDeadline(),
	}

	node, err := raft.MakeNode(config.Node.ID, config.NodeIDs(), opts,
		config.Node.DataDir, machine, peerTransport)
	if err != nil {
		log.Errorf("start raft node: %v", err)
		if errors.Is(err, wal.ErrCorrupt) || errors.Is(err, wal.ErrCRCMismatch) {
			os.Exit(exitCorrupt)
		}
		os.Exit(exitConfig)
	}

	raftMux := http.NewServeMux()
	transport.NewHandler(node).RegisterHandlers(raftMux)
	raftServer := &http.Server{Handler: raftMux}
	go func() {
		if err := raftServer.Serve(raftListener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.Errorf("raft server: %v", err)
		}
	}()

	auth := server.NewAuthenticator(config.Auth.Secret, config.TokenTTL(),
		config.Auth.Users)
	var assistant *server.Assistant
	if config.Assistant.Addr != "" {
		assistant = server.NewAssistant(config.Assistant.Addr,
			config.AssistantTimeout())
	}

	front := server.NewServer(node, machine, auth, assistant,
		config.ListenAddrs(), config.ProposeTimeout(), config.SeatHoldTTL(),
		config.MovieSeed())
	front.Start()

	clientMux := http.NewServeMux()
	front.RegisterHandlers(clientMux)
	clientServer := &http.Server{Handler: clientMux}
	go func() {
		if err := clientServer.Serve(clientListener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.Errorf("client server: %v", err)
		}
	}()

	log.Infof("node %d listening on %s (raft on %s)",
		config.Node.ID, config.Node.ListenAddr, config.Node.RaftAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Infof("node %d shutting down", config.Node.ID)

	clientServer.Close()
	raftServer.Close()
	front.Stop()
	node.Stop()
}
