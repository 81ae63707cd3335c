// Package config loads the Gateway/Persistence environment variables of
// §6.4 via viper, the way 88lin-divinesense's cc-async-test and
// divinesense binaries wire viper + cobra for CLI configuration.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Gateway holds every GATEWAY_*/WS_*/MAX_FRAME_*/HEARTBEAT_*/
// RECONNECT_*/OUTBOUND_*/OFFLINE_TTL_*/RECALL_WINDOW_*/PERSISTENCE_*/
// COORDINATION_* setting from §6.4.
type Gateway struct {
	ListenAddr string `mapstructure:"GATEWAY_LISTEN_ADDR"`
	WSPath     string `mapstructure:"WS_PATH"`

	MaxFrameBytes int `mapstructure:"MAX_FRAME_BYTES"`

	HeartbeatIntervalMS int `mapstructure:"HEARTBEAT_INTERVAL_MS"`
	HeartbeatTimeoutMS  int `mapstructure:"HEARTBEAT_TIMEOUT_MS"`

	ReconnectBackoffMS    int `mapstructure:"RECONNECT_BACKOFF_MS"`
	ReconnectBackoffCapMS int `mapstructure:"RECONNECT_BACKOFF_CAP_MS"`
	ReconnectMaxAttempts  int `mapstructure:"RECONNECT_MAX_ATTEMPTS"`

	OutboundQueueCapacity int `mapstructure:"OUTBOUND_QUEUE_CAPACITY"`
	OfflineTTLDays        int `mapstructure:"OFFLINE_TTL_DAYS"`
	RecallWindowSeconds   int `mapstructure:"RECALL_WINDOW_SECONDS"`

	PersistenceURL          string `mapstructure:"PERSISTENCE_URL"`
	PersistenceServiceToken string `mapstructure:"PERSISTENCE_SERVICE_TOKEN"`

	CoordinationURL string `mapstructure:"COORDINATION_URL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	NodeID    string `mapstructure:"NODE_ID"`
	PeerAddrs []string
}

// HeartbeatInterval returns HeartbeatIntervalMS as a time.Duration.
func (g Gateway) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns HeartbeatTimeoutMS as a time.Duration.
func (g Gateway) HeartbeatTimeout() time.Duration {
	return time.Duration(g.HeartbeatTimeoutMS) * time.Millisecond
}

// ReconnectBackoff returns ReconnectBackoffMS as a time.Duration.
func (g Gateway) ReconnectBackoff() time.Duration {
	return time.Duration(g.ReconnectBackoffMS) * time.Millisecond
}

// ReconnectBackoffCap returns ReconnectBackoffCapMS as a time.Duration.
func (g Gateway) ReconnectBackoffCap() time.Duration {
	return time.Duration(g.ReconnectBackoffCapMS) * time.Millisecond
}

// OfflineTTL returns OfflineTTLDays as a time.Duration.
func (g Gateway) OfflineTTL() time.Duration {
	return time.Duration(g.OfflineTTLDays) * 24 * time.Hour
}

// RecallWindow returns RecallWindowSeconds as a time.Duration.
func (g Gateway) RecallWindow() time.Duration {
	return time.Duration(g.RecallWindowSeconds) * time.Second
}

// LoadGateway reads a .env file (if present) then environment variables,
// applying the §6.4 defaults.
func LoadGateway() (Gateway, error) {
	_ = godotenv.Load() // local dev convenience; ignored if absent

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("GATEWAY_LISTEN_ADDR", ":9090")
	v.SetDefault("WS_PATH", "/ws")
	v.SetDefault("MAX_FRAME_BYTES", 1<<20)
	v.SetDefault("HEARTBEAT_INTERVAL_MS", 30000)
	v.SetDefault("HEARTBEAT_TIMEOUT_MS", 90000)
	v.SetDefault("RECONNECT_BACKOFF_MS", 1000)
	v.SetDefault("RECONNECT_BACKOFF_CAP_MS", 30000)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 10)
	v.SetDefault("OUTBOUND_QUEUE_CAPACITY", 256)
	v.SetDefault("OFFLINE_TTL_DAYS", 7)
	v.SetDefault("RECALL_WINDOW_SECONDS", 120)
	v.SetDefault("PERSISTENCE_URL", "http://localhost:9091")
	v.SetDefault("COORDINATION_URL", "")
	v.SetDefault("NODE_ID", "node-1")

	var g Gateway
	for key, field := range map[string]*string{
		"GATEWAY_LISTEN_ADDR":       &g.ListenAddr,
		"WS_PATH":                   &g.WSPath,
		"PERSISTENCE_URL":           &g.PersistenceURL,
		"PERSISTENCE_SERVICE_TOKEN": &g.PersistenceServiceToken,
		"COORDINATION_URL":          &g.CoordinationURL,
		"JWT_SECRET":                &g.JWTSecret,
		"NODE_ID":                   &g.NodeID,
	} {
		*field = v.GetString(key)
	}
	g.MaxFrameBytes = v.GetInt("MAX_FRAME_BYTES")
	g.HeartbeatIntervalMS = v.GetInt("HEARTBEAT_INTERVAL_MS")
	g.HeartbeatTimeoutMS = v.GetInt("HEARTBEAT_TIMEOUT_MS")
	g.ReconnectBackoffMS = v.GetInt("RECONNECT_BACKOFF_MS")
	g.ReconnectBackoffCapMS = v.GetInt("RECONNECT_BACKOFF_CAP_MS")
	g.ReconnectMaxAttempts = v.GetInt("RECONNECT_MAX_ATTEMPTS")
	g.OutboundQueueCapacity = v.GetInt("OUTBOUND_QUEUE_CAPACITY")
	g.OfflineTTLDays = v.GetInt("OFFLINE_TTL_DAYS")
	g.RecallWindowSeconds = v.GetInt("RECALL_WINDOW_SECONDS")
	if peers := v.GetString("PEER_ADDRS"); peers != "" {
		g.PeerAddrs = strings.Split(peers, ",")
	}

	return g, nil
}

// Persistence holds the Persistence Service's own settings.
type Persistence struct {
	ListenAddr   string `mapstructure:"PERSISTENCE_LISTEN_ADDR"`
	SqliteDSN    string `mapstructure:"SQLITE_DSN"`
	ServiceToken string `mapstructure:"PERSISTENCE_SERVICE_TOKEN"`
	WorkerID     int64  `mapstructure:"WORKER_ID"`

	RecallWindowSeconds int `mapstructure:"RECALL_WINDOW_SECONDS"`
	OfflineTTLDays      int `mapstructure:"OFFLINE_TTL_DAYS"`
}

// RecallWindow returns RecallWindowSeconds as a time.Duration (§6.4).
func (p Persistence) RecallWindow() time.Duration {
	return time.Duration(p.RecallWindowSeconds) * time.Second
}

// OfflineTTL returns OfflineTTLDays as a time.Duration (§6.4).
func (p Persistence) OfflineTTL() time.Duration {
	return time.Duration(p.OfflineTTLDays) * 24 * time.Hour
}

// LoadPersistence reads the Persistence Service's configuration.
func LoadPersistence() (Persistence, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PERSISTENCE_LISTEN_ADDR", ":9091")
	v.SetDefault("SQLITE_DSN", "lumichat.db")
	v.SetDefault("WORKER_ID", 1)
	v.SetDefault("RECALL_WINDOW_SECONDS", 120)
	v.SetDefault("OFFLINE_TTL_DAYS", 7)

	return Persistence{
		ListenAddr:          v.GetString("PERSISTENCE_LISTEN_ADDR"),
		SqliteDSN:           v.GetString("SQLITE_DSN"),
		ServiceToken:        v.GetString("PERSISTENCE_SERVICE_TOKEN"),
		WorkerID:            v.GetInt64("WORKER_ID"),
		RecallWindowSeconds: v.GetInt("RECALL_WINDOW_SECONDS"),
		OfflineTTLDays:      v.GetInt("OFFLINE_TTL_DAYS"),
	}, nil
}
