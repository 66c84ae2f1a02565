package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/plgd-dev/go-coap/v3/dtls"
	dtlsserver "github.com/plgd-dev/go-coap/v3/dtls/server"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"

	piondtls "github.com/pion/dtls/v3"

	"github.com/arn/sensorboxd/pkg/types"
)

// Server is the CoAP ingestion endpoint the sensor boxes talk to. It exposes
// a data and a prefs resource per configured device plus a shared time
// resource, over plain UDP and, when a PSK is configured, DTLS on the next
// port.
type Server struct {
	log    *slog.Logger
	config Config
	router *mux.Router

	mu   sync.Mutex
	time *timeResource
}

func New(log *slog.Logger, config Config) (*Server, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Server{
		log:    log,
		config: config,
	}, nil
}

// Start brings up the listeners and serves until ctx is cancelled. The
// returned channel yields the terminal error, nil on clean shutdown.
func (s *Server) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)

	s.mu.Lock()
	s.time = newTimeResource(ctx, s.log, s.config.Clock, s.config.TimeNotifyInterval)
	s.router = s.buildRouter(s.time)
	s.mu.Unlock()

	udpConn, err := coapnet.NewListenUDP("udp", s.config.Addr)
	if err != nil {
		errCh <- fmt.Errorf("listen udp %s: %w", s.config.Addr, err)
		return errCh
	}

	var dtlsListener *coapnet.DTLSListener
	if s.config.DTLSIdentity != "" {
		addr, err := dtlsAddr(s.config.Addr)
		if err != nil {
			_ = udpConn.Close()
			errCh <- err
			return errCh
		}
		dtlsListener, err = coapnet.NewDTLSListener("udp", addr, s.dtlsConfig())
		if err != nil {
			_ = udpConn.Close()
			errCh <- fmt.Errorf("listen dtls %s: %w", addr, err)
			return errCh
		}
		s.log.Info("coap: serving dtls", "addr", addr, "identity", s.config.DTLSIdentity)
	}
	s.log.Info("coap: serving udp", "addr", s.config.Addr, "devices", s.config.Devices)

	go func() {
		defer close(errCh)

		udpServer := udp.NewServer(options.WithMux(s.router))
		var dtlsServer *dtlsserver.Server
		if dtlsListener != nil {
			dtlsServer = dtls.NewServer(options.WithMux(s.router))
		}

		var wg sync.WaitGroup
		serveErr := make(chan error, 2)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := udpServer.Serve(udpConn); err != nil {
				serveErr <- fmt.Errorf("udp server: %w", err)
			}
		}()
		if dtlsServer != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := dtlsServer.Serve(dtlsListener); err != nil {
					serveErr <- fmt.Errorf("dtls server: %w", err)
				}
			}()
		}

		select {
		case <-ctx.Done():
			udpServer.Stop()
			if dtlsServer != nil {
				dtlsServer.Stop()
			}
			wg.Wait()
			errCh <- nil
		case err := <-serveErr:
			udpServer.Stop()
			if dtlsServer != nil {
				dtlsServer.Stop()
			}
			wg.Wait()
			errCh <- err
		}
	}()
	return errCh
}

func (s *Server) buildRouter(timeRes *timeResource) *mux.Router {
	r := mux.NewRouter()
	for _, device := range s.config.Devices {
		readings := &readingsHandler{
			log:    s.log,
			device: device,
			path:   device + "/" + types.DataResource,
			write:  s.config.WriteAPI,
			notify: s.config.Notifier,
			binMap: s.config.BinMap,
		}
		prefs := newPrefsHandler(s.log, device, s.config.Prefs)
		_ = r.Handle("/"+device+"/"+types.DataResource, mux.HandlerFunc(readings.handle))
		_ = r.Handle("/"+device+"/"+types.PrefsResource, mux.HandlerFunc(prefs.handle))
	}
	_ = r.Handle("/"+types.TimeResource, mux.HandlerFunc(timeRes.handle))
	return r
}

func (s *Server) dtlsConfig() *piondtls.Config {
	identity := s.config.DTLSIdentity
	key := []byte(s.config.DTLSKey)
	return &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			if string(hint) != identity {
				return nil, fmt.Errorf("unknown psk identity %q", hint)
			}
			return key, nil
		},
		PSKIdentityHint: []byte(identity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

// dtlsAddr derives the DTLS listen address, one port above the UDP one.
func dtlsAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse listen address %s: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("parse listen port %s: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(n+1)), nil
}
