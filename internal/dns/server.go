package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/schedule"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Resolver maps a client address to a device.
type Resolver interface {
	DeviceByAddress(ctx context.Context, addr string) (*profile.Device, error)
}

// Gate answers whether a device may reach the network.
type Gate interface {
	IsAccessPermitted(ctx context.Context, deviceID string) bool
}

// ActivityRecorder records network activity per device.
type ActivityRecorder interface {
	Touch(deviceID string, t time.Time)
}

// Server answers DNS queries, sinkholing devices without access
type Server struct {
	upstreamDNS []string
	resolver    Resolver
	gate        Gate
	activity    ActivityRecorder
	clock       clock.Clock
	logger      zerolog.Logger

	blockTTL uint32

	// DNS client for upstream queries
	client *dns.Client

	udpServer *dns.Server
	tcpServer *dns.Server
}

// Config holds DNS server configuration
type Config struct {
	ListenAddr  string
	UpstreamDNS []string
	BlockTTL    uint32
	EnableTCP   bool
	EnableUDP   bool
	Timeout     time.Duration
}

// NewServer creates a new DNS server
func NewServer(config Config, resolver Resolver, gate Gate, activity ActivityRecorder, clk clock.Clock, logger zerolog.Logger) (*Server, error) {
	if len(config.UpstreamDNS) == 0 {
		return nil, errors.New("at least one upstream DNS server is required")
	}

	s := &Server{
		upstreamDNS: config.UpstreamDNS,
		resolver:    resolver,
		gate:        gate,
		activity:    activity,
		clock:       clk,
		logger:      logger.With().Str("component", "dns").Logger(),
		blockTTL:    config.BlockTTL,
		client: &dns.Client{
			Timeout: config.Timeout,
		},
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	if config.EnableUDP {
		s.udpServer = &dns.Server{
			Addr:    config.ListenAddr,
			Net:     "udp",
			Handler: mux,
		}
	}

	if config.EnableTCP {
		s.tcpServer = &dns.Server{
			Addr:    config.ListenAddr,
			Net:     "tcp",
			Handler: mux,
		}
	}

	return s, nil
}

// SetPacketConn serves UDP on an already bound socket
func (s *Server) SetPacketConn(pc net.PacketConn) {
	if s.udpServer != nil {
		s.udpServer.PacketConn = pc
	}
}

// SetListener serves TCP on an already bound listener
func (s *Server) SetListener(ln net.Listener) {
	if s.tcpServer != nil {
		s.tcpServer.Listener = ln
	}
}

// Start starts the DNS server
func (s *Server) Start() error {
	errChan := make(chan error, 2)

	if s.udpServer != nil {
		go func() {
			s.logger.Info().Str("addr", s.udpServer.Addr).Msg("Starting DNS server (UDP)")
			var err error
			if s.udpServer.PacketConn != nil {
				err = s.udpServer.ActivateAndServe()
			} else {
				err = s.udpServer.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("UDP server error: %w", err)
			}
		}()
	}

	if s.tcpServer != nil {
		go func() {
			s.logger.Info().Str("addr", s.tcpServer.Addr).Msg("Starting DNS server (TCP)")
			var err error
			if s.tcpServer.Listener != nil {
				err = s.tcpServer.ActivateAndServe()
			} else {
				err = s.tcpServer.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("TCP server error: %w", err)
			}
		}()
	}

	// Wait a bit to ensure servers started
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown error: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// WatchRestrictions logs restriction changes until ctx ends
func (s *Server) WatchRestrictions(ctx context.Context, changes <-chan schedule.RestrictionChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			s.logger.Info().
				Strs("restricted", change.Restricted.IDs()).
				Time("at", change.At).
				Msg("Restricted devices changed")
		}
	}
}

// handleDNSRequest handles incoming DNS requests
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	ctx := context.Background()

	clientIP := extractClientIP(w.RemoteAddr())
	deviceID, known := s.identify(ctx, clientIP)

	permitted := true
	if known {
		s.activity.Touch(deviceID, s.clock.Now())
		permitted = s.gate.IsAccessPermitted(ctx, deviceID)
	} else {
		deviceID = "unknown"
	}

	action := "FORWARD"
	var msg *dns.Msg
	if permitted {
		resp, err := s.forwardToUpstream(r)
		if err != nil {
			s.logger.Warn().Err(err).Str("client", clientIP.String()).Msg("Upstream DNS query failed")
			msg = new(dns.Msg)
			msg.SetRcode(r, dns.RcodeServerFailure)
			action = "SERVFAIL"
		} else {
			msg = resp
			msg.Id = r.Id
		}
	} else {
		msg = s.blockResponse(r)
		action = "BLOCK"
	}

	for _, question := range r.Question {
		s.logger.Debug().
			Str("client", clientIP.String()).
			Str("device", deviceID).
			Str("domain", strings.TrimSuffix(question.Name, ".")).
			Str("type", dns.TypeToString[question.Qtype]).
			Str("action", action).
			Msg("DNS query")

		metrics.DNSQueriesTotal.WithLabelValues(deviceID, action, dns.TypeToString[question.Qtype]).Inc()
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}

// identify resolves the client address to a device ID
func (s *Server) identify(ctx context.Context, ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	device, err := s.resolver.DeviceByAddress(ctx, ip.String())
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			s.logger.Warn().Err(err).Str("client", ip.String()).Msg("Device lookup failed")
		}
		return "", false
	}
	return device.ID, true
}

// blockResponse answers A queries with 0.0.0.0 and everything else with no records
func (s *Server) blockResponse(r *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.blockTTL,
			},
			A: net.IPv4zero.To4(),
		})
	}
	return msg
}

// forwardToUpstream forwards a DNS query to upstream DNS servers
func (s *Server) forwardToUpstream(r *dns.Msg) (*dns.Msg, error) {
	for _, upstream := range s.upstreamDNS {
		resp, _, err := s.client.Exchange(r, upstream)
		if err == nil && resp != nil {
			return resp, nil
		}
		s.logger.Warn().
			Err(err).
			Str("upstream", upstream).
			Msg("Upstream DNS query failed, trying next")

		metrics.DNSUpstreamErrors.WithLabelValues(upstream).Inc()
	}
	return nil, fmt.Errorf("all upstream DNS servers failed")
}

// extractClientIP extracts the client IP from the remote address
func extractClientIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		return nil
	}
}
