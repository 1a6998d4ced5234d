package main

import (
	"fmt"
	"os"
	"time"

	"github.com/thinkermao/marquee/booking"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Raft      RaftConfig      `yaml:"raft"`
	Booking   BookingConfig   `yaml:"booking"`
	Auth      AuthConfig      `yaml:"auth"`
	Assistant AssistantConfig `yaml:"assistant"`
	LogLevel  string          `yaml:"log_level"`
}

type NodeConfig struct {
	ID         uint64 `yaml:"id"`
	ListenAddr string `yaml:"listen_addr"`
	RaftAddr   string `yaml:"raft_addr"`
	DataDir    string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID         uint64 `yaml:"id"`
	ListenAddr string `yaml:"listen_addr"`
	RaftAddr   string `yaml:"raft_addr"`
}

type RaftConfig struct {
	ElectionTimeoutMinMs int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	RPCDeadlineMs        int `yaml:"rpc_deadline_ms"`
	TickSizeMs           int `yaml:"tick_size_ms"`
	MaxEntriesPerMsg     int `yaml:"max_entries_per_msg"`
}

type BookingConfig struct {
	ProposeTimeoutMs int           `yaml:"propose_timeout_ms"`
	SeatHoldTTLMs    int           `yaml:"seat_hold_ttl_ms"`
	ApplyCacheSize   int           `yaml:"apply_cache_size"`
	Movies           []MovieConfig `yaml:"movies"`
}

type MovieConfig struct {
	ID         string  `yaml:"id"`
	Title      string  `yaml:"title"`
	TotalSeats int     `yaml:"total_seats"`
	Price      float64 `yaml:"price"`
	Showtime   string  `yaml:"showtime"`
}

type AuthConfig struct {
	Secret        string            `yaml:"secret"`
	TokenTTLHours int               `yaml:"token_ttl_hours"`
	Users         map[string]string `yaml:"users"`
}

type AssistantConfig struct {
	Addr      string `yaml:"addr"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Raft: RaftConfig{
			ElectionTimeoutMinMs: 150,
			ElectionTimeoutMaxMs: 300,
			HeartbeatIntervalMs:  50,
			RPCDeadlineMs:        100,
			TickSizeMs:           10,
			MaxEntriesPerMsg:     64,
		},
		Booking: BookingConfig{
			ProposeTimeoutMs: 3000,
			SeatHoldTTLMs:    300000,
			ApplyCacheSize:   1024,
		},
		Auth: AuthConfig{
			TokenTTLHours: 24,
		},
		Assistant: AssistantConfig{
			TimeoutMs: 30000,
		},
		LogLevel: "info",
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Node.ListenAddr == "" {
		return fmt.Errorf("node.listen_addr is required")
	}

	if c.Node.RaftAddr == "" {
		return fmt.Errorf("node.raft_addr is required")
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == c.Node.ID {
			found = true
			if peer.RaftAddr != c.Node.RaftAddr {
				return fmt.Errorf("node raft address mismatch: node.raft_addr=%s but peer address=%s",
					c.Node.RaftAddr, peer.RaftAddr)
			}
			break
		}
	}
	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[uint64]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer id must be greater than 0")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	if c.Raft.HeartbeatIntervalMs <= 0 ||
		c.Raft.ElectionTimeoutMinMs <= c.Raft.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat interval must be positive and below election_timeout_min")
	}
	if c.Raft.ElectionTimeoutMaxMs <= c.Raft.ElectionTimeoutMinMs {
		return fmt.Errorf("election_timeout_max must exceed election_timeout_min")
	}
	if c.Raft.RPCDeadlineMs >= c.Raft.ElectionTimeoutMinMs {
		return fmt.Errorf("rpc_deadline must be below election_timeout_min")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}

	return nil
}

// NodeIDs list every member id of the group.
func (c *Config) NodeIDs() []uint64 {
	ids := make([]uint64, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		ids[i] = peer.ID
	}
	return ids
}

// RaftAddrs map node id to peer RPC address.
func (c *Config) RaftAddrs() map[uint64]string {
	res := make(map[uint64]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.RaftAddr
	}
	return res
}

// ListenAddrs map node id to client-facing address, for leader hints.
func (c *Config) ListenAddrs() map[uint64]string {
	res := make(map[uint64]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.ListenAddr
	}
	return res
}

// MovieSeed convert the configured catalogue.
func (c *Config) MovieSeed() []booking.MovieSpec {
	seed := make([]booking.MovieSpec, 0, len(c.Booking.Movies))
	for _, movie := range c.Booking.Movies {
		seed = append(seed, booking.MovieSpec{
			ID:         movie.ID,
			Title:      movie.Title,
			TotalSeats: movie.TotalSeats,
			Price:      movie.Price,
			Showtime:   movie.Showtime,
		})
	}
	return seed
}

// ProposeTimeout and friends convert millisecond knobs to durations.
func (c *Config) ProposeTimeout() time.Duration {
	return time.Duration(c.Booking.ProposeTimeoutMs) * time.Millisecond
}

func (c *Config) SeatHoldTTL() time.Duration {
	return time.Duration(c.Booking.SeatHoldTTLMs) * time.Millisecond
}

func (c *Config) RPCDeadline() time.Duration {
	return time.Duration(c.Raft.RPCDeadlineMs) * time.Millisecond
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

func (c *Config) AssistantTimeout() time.Duration {
	return time.Duration(c.Assistant.TimeoutMs) * time.Millisecond
}
