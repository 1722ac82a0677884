package metrics

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/laurikarhu/stealth-gate/internal/gate"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
)

// GateMetrics counts gate decisions since the process started
type GateMetrics struct {
	Allowed    uint64            `json:"allowed"`
	Remembered uint64            `json:"remembered"`
	Redirected uint64            `json:"redirected"`
	ByReason   map[string]uint64 `json:"byReason"`
}

// RedisMetrics represents Redis server metrics
type RedisMetrics struct {
	UsedMemoryMB     float64      `json:"usedMemoryMB"`
	MaxMemoryMB      float64      `json:"maxMemoryMB"`
	MemoryPercent    float64      `json:"memoryPercent"`
	ConnectedClients int          `json:"connectedClients"`
	HitRate          float64      `json:"hitRate"`
	Status           HealthStatus `json:"status"`
}

// PostgresMetrics represents PostgreSQL pool metrics
type PostgresMetrics struct {
	AcquiredConnections int32        `json:"acquiredConnections"`
	IdleConnections     int32        `json:"idleConnections"`
	MaxConnections      int32        `json:"maxConnections"`
	ConnectionPercent   float64      `json:"connectionPercent"`
	Status              HealthStatus `json:"status"`
}

// GoRuntimeMetrics represents Go runtime metrics
type GoRuntimeMetrics struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heapAllocMB"`
	HeapSysMB   float64 `json:"heapSysMB"`
	NumGC       uint32  `json:"numGC"`
}

// Alert represents a system alert
type Alert struct {
	Level     HealthStatus `json:"level"`
	Component string       `json:"component"`
	Message   string       `json:"message"`
}

// SystemMetrics represents all collected metrics
type SystemMetrics struct {
	Timestamp     time.Time        `json:"timestamp"`
	OverallStatus HealthStatus     `json:"overallStatus"`
	Gate          GateMetrics      `json:"gate"`
	Redis         RedisMetrics     `json:"redis"`
	Postgres      PostgresMetrics  `json:"postgres"`
	GoRuntime     GoRuntimeMetrics `json:"goRuntime"`
	Alerts        []Alert          `json:"alerts"`
}

// Collector collects metrics from the gate and its backing stores
type Collector struct {
	redisClient *redis.Client
	pgPool      *pgxpool.Pool

	allowed    atomic.Uint64
	remembered atomic.Uint64
	redirected atomic.Uint64

	mu       sync.Mutex
	byReason map[gate.Reason]uint64
}

// NewCollector creates a new metrics collector. Either client may be nil.
func NewCollector(redisClient *redis.Client, pgPool *pgxpool.Pool) *Collector {
	return &Collector{
		redisClient: redisClient,
		pgPool:      pgPool,
		byReason:    make(map[gate.Reason]uint64),
	}
}

// RecordDecision counts a gate decision
func (c *Collector) RecordDecision(d gate.Decision) {
	switch d.Outcome {
	case gate.Remember:
		c.remembered.Add(1)
	case gate.Redirect:
		c.redirected.Add(1)
	default:
		c.allowed.Add(1)
	}

	c.mu.Lock()
	c.byReason[d.Reason]++
	c.mu.Unlock()
}

// GateSnapshot returns the current decision counters
func (c *Collector) GateSnapshot() GateMetrics {
	snap := GateMetrics{
		Allowed:    c.allowed.Load(),
		Remembered: c.remembered.Load(),
		Redirected: c.redirected.Load(),
		ByReason:   make(map[string]uint64),
	}

	c.mu.Lock()
	for reason, n := range c.byReason {
		snap.ByReason[string(reason)] = n
	}
	c.mu.Unlock()

	return snap
}

// Collect gathers all metrics
func (c *Collector) Collect(ctx context.Context) (*SystemMetrics, error) {
	metrics := &SystemMetrics{
		Timestamp:     time.Now(),
		OverallStatus: HealthStatusHealthy,
		Gate:          c.GateSnapshot(),
		Alerts:        []Alert{},
	}

	if c.redisClient != nil {
		redisMetrics, redisAlerts := c.collectRedisMetrics(ctx)
		metrics.Redis = redisMetrics
		metrics.Alerts = append(metrics.Alerts, redisAlerts...)
	}

	if c.pgPool != nil {
		pgMetrics, pgAlerts := c.collectPostgresMetrics(ctx)
		metrics.Postgres = pgMetrics
		metrics.Alerts = append(metrics.Alerts, pgAlerts...)
	}

	metrics.GoRuntime = collectGoRuntimeMetrics()
	metrics.OverallStatus = overallStatus(metrics.Alerts)

	return metrics, nil
}

// overallStatus is the worst level among the alerts
func overallStatus(alerts []Alert) HealthStatus {
	status := HealthStatusHealthy
	for _, alert := range alerts {
		if alert.Level == HealthStatusCritical {
			return HealthStatusCritical
		}
		if alert.Level == HealthStatusWarning {
			status = HealthStatusWarning
		}
	}
	return status
}

// collectRedisMetrics collects Redis server metrics. An unreachable Redis is
// critical because notices and admin sessions live there.
func (c *Collector) collectRedisMetrics(ctx context.Context) (RedisMetrics, []Alert) {
	metrics := RedisMetrics{
		Status: HealthStatusHealthy,
	}
	var alerts []Alert

	info, err := c.redisClient.Info(ctx, "memory", "clients", "stats").Result()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get Redis info")
		metrics.Status = HealthStatusCritical
		alerts = append(alerts, Alert{
			Level:     HealthStatusCritical,
			Component: "Redis",
			Message:   "Redis unreachable",
		})
		return metrics, alerts
	}

	infoMap := parseRedisInfo(info)

	usedBytes := infoInt(infoMap, "used_memory")
	metrics.UsedMemoryMB = float64(usedBytes) / (1024 * 1024)

	if maxBytes := infoInt(infoMap, "maxmemory"); maxBytes > 0 {
		metrics.MaxMemoryMB = float64(maxBytes) / (1024 * 1024)
		metrics.MemoryPercent = (metrics.UsedMemoryMB / metrics.MaxMemoryMB) * 100
	}

	metrics.ConnectedClients = int(infoInt(infoMap, "connected_clients"))

	hits := infoInt(infoMap, "keyspace_hits")
	misses := infoInt(infoMap, "keyspace_misses")
	if hits+misses > 0 {
		metrics.HitRate = float64(hits) / float64(hits+misses) * 100
	}

	if metrics.MaxMemoryMB > 0 && metrics.MemoryPercent > 80 {
		metrics.Status = HealthStatusWarning
		alerts = append(alerts, Alert{
			Level:     HealthStatusWarning,
			Component: "Redis",
			Message:   "Memory usage above 80%",
		})
	}

	return metrics, alerts
}

// parseRedisInfo parses Redis INFO output into a map
func parseRedisInfo(info string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			result[k] = v
		}
	}
	return result
}

func infoInt(info map[string]string, key string) int64 {
	n, err := strconv.ParseInt(info[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// collectPostgresMetrics reports the connection pool state
func (c *Collector) collectPostgresMetrics(ctx context.Context) (PostgresMetrics, []Alert) {
	metrics := PostgresMetrics{
		Status: HealthStatusHealthy,
	}
	var alerts []Alert

	if err := c.pgPool.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("PostgreSQL ping failed")
		metrics.Status = HealthStatusCritical
		alerts = append(alerts, Alert{
			Level:     HealthStatusCritical,
			Component: "PostgreSQL",
			Message:   "Database unreachable, gate is failing closed",
		})
		return metrics, alerts
	}

	stat := c.pgPool.Stat()
	metrics.AcquiredConnections = stat.AcquiredConns()
	metrics.IdleConnections = stat.IdleConns()
	metrics.MaxConnections = stat.MaxConns()
	if metrics.MaxConnections > 0 {
		metrics.ConnectionPercent = float64(stat.TotalConns()) / float64(metrics.MaxConnections) * 100
	}

	if metrics.ConnectionPercent > 80 {
		metrics.Status = HealthStatusWarning
		alerts = append(alerts, Alert{
			Level:     HealthStatusWarning,
			Component: "PostgreSQL",
			Message:   "Connection usage above 80%",
		})
	}

	return metrics, alerts
}

func collectGoRuntimeMetrics() GoRuntimeMetrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return GoRuntimeMetrics{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / (1024 * 1024),
		HeapSysMB:   float64(memStats.HeapSys) / (1024 * 1024),
		NumGC:       memStats.NumGC,
	}
}
