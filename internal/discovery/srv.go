package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/pkg/model"
)

// DefaultSRVInterval SRV轮询的默认间隔
const DefaultSRVInterval = 30 * time.Second

// resolvConf 未配置DNS服务器时读取的系统配置
const resolvConf = "/etc/resolv.conf"

// SRVOption SRV解析器选项
type SRVOption func(*SRVResolver)

// WithSRVLogger 设置日志记录器
func WithSRVLogger(logger config.Logger) SRVOption {
	return func(r *SRVResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSRVClock 设置轮询使用的时钟
func WithSRVClock(clock clockwork.Clock) SRVOption {
	return func(r *SRVResolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithSRVInterval 设置轮询间隔
func WithSRVInterval(interval time.Duration) SRVOption {
	return func(r *SRVResolver) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithSRVNet 设置查询使用的网络，"udp"或"tcp"
func WithSRVNet(network string) SRVOption {
	return func(r *SRVResolver) {
		r.client.Net = network
	}
}

// SRVResolver 通过DNS SRV记录发现注册中心
type SRVResolver struct {
	name     string
	servers  []string
	client   *dns.Client
	interval time.Duration
	clock    clockwork.Clock
	logger   config.Logger
}

// NewSRVResolver 创建SRV解析器，name形如 _register._tcp.example.com
// servers为空时使用系统DNS配置
func NewSRVResolver(name string, servers []string, opts ...SRVOption) *SRVResolver {
	r := &SRVResolver{
		name:    dns.Fqdn(name),
		servers: normalizeServers(servers),
		client: &dns.Client{
			Net:     "udp",
			Timeout: 5 * time.Second,
		},
		interval: DefaultSRVInterval,
		clock:    clockwork.NewRealClock(),
		logger:   config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.servers) == 0 {
		r.servers = systemServers()
	}
	return r
}

// Resolve 查询SRV记录，按优先级升序、权重降序返回地址
func (r *SRVResolver) Resolve(ctx context.Context) ([]model.Endpoint, error) {
	req := new(dns.Msg)
	req.SetQuestion(r.name, dns.TypeSRV)
	req.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, req, server)
		if err != nil {
			lastErr = err
			r.logger.Debug("SRV查询失败", zap.String("server", server), zap.Error(err))
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return endpointsFromSRV(resp), nil
		case dns.RcodeNameError:
			return []model.Endpoint{}, nil
		default:
			lastErr = fmt.Errorf("discovery: %s 返回 %s", server, dns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = errors.New("discovery: no dns servers")
	}
	return nil, fmt.Errorf("discovery: 解析 %s 失败: %w", r.name, lastErr)
}

// Watch 按间隔轮询SRV记录，推送与上一次结果的差异
// 查询失败时保留上一次的结果
func (r *SRVResolver) Watch(ctx context.Context, fn func(Event)) error {
	known := make(map[string]model.Endpoint)
	for {
		endpoints, err := r.Resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("SRV解析失败", zap.String("name", r.name), zap.Error(err))
		} else {
			next := make(map[string]model.Endpoint, len(endpoints))
			for _, ep := range endpoints {
				next[ep.Key()] = ep
			}
			for _, ev := range diff(known, next) {
				fn(ev)
			}
			known = next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.interval):
		}
	}
}

type srvTarget struct {
	endpoint model.Endpoint
	priority uint16
	weight   uint16
}

// endpointsFromSRV 解析应答，目标主机优先使用附加段中的地址记录
func endpointsFromSRV(resp *dns.Msg) []model.Endpoint {
	glue := make(map[string]string)
	for _, rr := range resp.Extra {
		switch rec := rr.(type) {
		case *dns.A:
			glue[strings.ToLower(rec.Hdr.Name)] = rec.A.String()
		case *dns.AAAA:
			name := strings.ToLower(rec.Hdr.Name)
			if _, ok := glue[name]; !ok {
				glue[name] = rec.AAAA.String()
			}
		}
	}

	seen := make(map[string]struct{})
	var targets []srvTarget
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok || srv.Target == "." {
			continue
		}
		host, ok := glue[strings.ToLower(srv.Target)]
		if !ok {
			host = strings.TrimSuffix(srv.Target, ".")
		}
		ep := model.Endpoint{Host: host, Port: int(srv.Port)}
		if _, dup := seen[ep.Key()]; dup {
			continue
		}
		seen[ep.Key()] = struct{}{}
		targets = append(targets, srvTarget{endpoint: ep, priority: srv.Priority, weight: srv.Weight})
	}

	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return a.endpoint.Key() < b.endpoint.Key()
	})

	endpoints := make([]model.Endpoint, 0, len(targets))
	for _, t := range targets {
		endpoints = append(endpoints, t.endpoint)
	}
	return endpoints
}

// normalizeServers 为没有端口的服务器地址补上53端口
func normalizeServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		out = append(out, s)
	}
	return out
}

func systemServers() []string {
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, net.JoinHostPort(s, cfg.Port))
	}
	return out
}

var _ Source = (*SRVResolver)(nil)
