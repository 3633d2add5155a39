// ABOUTME: mDNS service discovery for the capture server
// ABOUTME: Browses for _capture._tcp servers and advertises the monitor's metrics endpoint
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType is advertised by capture servers
	ServiceType = "_capture._tcp"

	// MonitorServiceType is advertised by monitors exposing metrics
	MonitorServiceType = "_capture-monitor._tcp"

	queryTimeout = 3 * time.Second
)

// ErrNotFound is returned when no server answered before the deadline
var ErrNotFound = errors.New("no capture server found")

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
	query   func(*mdns.QueryParam) error
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// Addr returns host:port
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ResolvePath picks the websocket path to dial. A configured path that
// differs from defaultPath wins; otherwise the advertised path is used
// when the server announced one.
func (s *ServerInfo) ResolvePath(configured, defaultPath string) string {
	if configured != defaultPath && configured != "" {
		return configured
	}
	if s.Path != "" {
		return s.Path
	}
	if configured == "" {
		return defaultPath
	}
	return configured
}

// NewManager creates a discovery manager
func NewManager(config Config, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
		query:   mdns.Query,
	}
}

// Advertise announces this monitor's metrics endpoint via mDNS
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		MonitorServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=/metrics"},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info("Advertising mDNS service",
		slog.String("name", m.config.ServiceName),
		slog.Int("port", m.config.Port),
		slog.String("type", MonitorServiceType))

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for capture servers until Stop is called
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop continuously browses for servers
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server, ok := serverFromEntry(entry)
				if !ok {
					continue
				}

				m.logger.Info("Discovered server",
					slog.String("name", server.Name),
					slog.String("addr", server.Addr()))

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Timeout = queryTimeout
		params.Entries = entries
		params.DisableIPv6 = true

		if err := m.query(params); err != nil {
			m.logger.Debug("mDNS query failed", slog.String("error", err.Error()))
			select {
			case <-m.ctx.Done():
			case <-time.After(queryTimeout):
			}
		}
		close(entries)
		<-done
	}
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Find browses until the first server answers or timeout passes
func (m *Manager) Find(ctx context.Context, timeout time.Duration) (*ServerInfo, error) {
	m.Browse()
	defer m.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case server := <-m.servers:
		return server, nil
	case <-timer.C:
		return nil, ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// serverFromEntry converts an mDNS answer, preferring IPv4
func serverFromEntry(entry *mdns.ServiceEntry) (*ServerInfo, bool) {
	if entry == nil || entry.Port == 0 {
		return nil, false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil, false
	}

	server := &ServerInfo{
		Name: strings.TrimSuffix(entry.Name, "."),
		Host: host,
		Port: entry.Port,
	}
	for _, field := range entry.InfoFields {
		if path, ok := strings.CutPrefix(field, "path="); ok {
			server.Path = path
		}
	}
	return server, true
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
