package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder 接收注册中心和工作节点上报的事件
type Recorder interface {
	ConnectAttempt(target string)
	ConnectFailure(target string)
	AuthFailure()
	AuthTimeout()
	ProbeFailure()
}

// NopRecorder 丢弃所有事件
type NopRecorder struct{}

func (NopRecorder) ConnectAttempt(string) {}
func (NopRecorder) ConnectFailure(string) {}
func (NopRecorder) AuthFailure()          {}
func (NopRecorder) AuthTimeout()          {}
func (NopRecorder) ProbeFailure()         {}

// Snapshot 是抓取时刻的状态
type Snapshot struct {
	Connections   int
	Authenticated int
	Services      int
}

// Collector Prometheus指标收集器
type Collector struct {
	role     string
	snapshot func() Snapshot

	info          *prometheus.Desc
	connections   *prometheus.Desc
	authenticated *prometheus.Desc
	services      *prometheus.Desc
	authFailures  *prometheus.Desc
	authTimeouts  *prometheus.Desc
	probeFailures *prometheus.Desc
	connectTotal  *prometheus.Desc
	connectFailed *prometheus.Desc

	mu              sync.RWMutex
	authFailureN    float64
	authTimeoutN    float64
	probeFailureN   float64
	connectAttempts map[string]float64
	connectFailures map[string]float64
}

// NewCollector 创建收集器，role为"hub"或"master"，snapshot可为nil
func NewCollector(role string, snapshot func() Snapshot) *Collector {
	return &Collector{
		role:     role,
		snapshot: snapshot,
		info: prometheus.NewDesc(
			"register_center_info",
			"Process info metric (always 1)",
			[]string{"role"},
			nil,
		),
		connections: prometheus.NewDesc(
			"register_center_connections",
			"Number of live tunnel connections",
			[]string{"role"},
			nil,
		),
		authenticated: prometheus.NewDesc(
			"register_center_authenticated_connections",
			"Number of authenticated connections on a hub",
			[]string{"role"},
			nil,
		),
		services: prometheus.NewDesc(
			"register_center_services",
			"Number of catalogued services",
			[]string{"role"},
			nil,
		),
		authFailures: prometheus.NewDesc(
			"register_center_auth_failures_total",
			"Total rejected auth attempts",
			[]string{"role"},
			nil,
		),
		authTimeouts: prometheus.NewDesc(
			"register_center_auth_timeouts_total",
			"Total connections closed for not authenticating in time",
			[]string{"role"},
			nil,
		),
		probeFailures: prometheus.NewDesc(
			"register_center_probe_failures_total",
			"Total failed heartbeat probes",
			[]string{"role"},
			nil,
		),
		connectTotal: prometheus.NewDesc(
			"register_center_connect_attempts_total",
			"Total dial attempts by target",
			[]string{"role", "target"},
			nil,
		),
		connectFailed: prometheus.NewDesc(
			"register_center_connect_failures_total",
			"Total failed dial attempts by target",
			[]string{"role", "target"},
			nil,
		),
		connectAttempts: make(map[string]float64),
		connectFailures: make(map[string]float64),
	}
}

// ConnectAttempt 记录一次拨号
func (c *Collector) ConnectAttempt(target string) {
	c.mu.Lock()
	c.connectAttempts[target]++
	c.mu.Unlock()
}

// ConnectFailure 记录一次拨号失败
func (c *Collector) ConnectFailure(target string) {
	c.mu.Lock()
	c.connectFailures[target]++
	c.mu.Unlock()
}

// AuthFailure 记录一次认证失败
func (c *Collector) AuthFailure() {
	c.mu.Lock()
	c.authFailureN++
	c.mu.Unlock()
}

// AuthTimeout 记录一次认证超时
func (c *Collector) AuthTimeout() {
	c.mu.Lock()
	c.authTimeoutN++
	c.mu.Unlock()
}

// ProbeFailure 记录一次心跳探测失败
func (c *Collector) ProbeFailure() {
	c.mu.Lock()
	c.probeFailureN++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.connections
	ch <- c.authenticated
	ch <- c.services
	ch <- c.authFailures
	ch <- c.authTimeouts
	ch <- c.probeFailures
	ch <- c.connectTotal
	ch <- c.connectFailed
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, c.role)

	if c.snapshot != nil {
		s := c.snapshot()
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Connections), c.role)
		ch <- prometheus.MustNewConstMetric(c.authenticated, prometheus.GaugeValue, float64(s.Authenticated), c.role)
		ch <- prometheus.MustNewConstMetric(c.services, prometheus.GaugeValue, float64(s.Services), c.role)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.authFailures, prometheus.CounterValue, c.authFailureN, c.role)
	ch <- prometheus.MustNewConstMetric(c.authTimeouts, prometheus.CounterValue, c.authTimeoutN, c.role)
	ch <- prometheus.MustNewConstMetric(c.probeFailures, prometheus.CounterValue, c.probeFailureN, c.role)
	for target, n := range c.connectAttempts {
		ch <- prometheus.MustNewConstMetric(c.connectTotal, prometheus.CounterValue, n, c.role, target)
	}
	for target, n := range c.connectFailures {
		ch <- prometheus.MustNewConstMetric(c.connectFailed, prometheus.CounterValue, n, c.role, target)
	}
}

var _ Recorder = (*Collector)(nil)
var _ Recorder = NopRecorder{}
