package coremain

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/AlexxNica/pdns/mlog"
	"github.com/AlexxNica/pdns/pkg/backend"
	"github.com/AlexxNica/pdns/pkg/packetcache"
	"github.com/AlexxNica/pdns/pkg/proxy"
	"github.com/AlexxNica/pdns/pkg/server"
	"github.com/AlexxNica/pdns/pkg/shutdown"
)

// Pdns is the assembled service: the packet cache, the backends, the
// proxy routing between them and the listeners on top.
type Pdns struct {
	logger *zap.Logger

	cache     *packetcache.Cache
	upstreams []*backend.Upstream
	proxy     *proxy.Proxy

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sg *shutdown.Group
}

func RunPdns(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetDefault(lg)

	cfg.Cache.init()
	cache := packetcache.New(packetcache.Opts{
		MaxEntries:           cfg.Cache.MaxEntries,
		MaxTTL:               cfg.Cache.MaxTTL,
		MinTTL:               cfg.Cache.MinTTL,
		TempFailureTTL:       cfg.Cache.TempFailureTTL,
		StaleTTL:             cfg.Cache.StaleTTL,
		DontAge:              cfg.Cache.DontAge,
		ShardCount:           cfg.Cache.Shards,
		DeferrableInsertLock: cfg.Cache.DeferrableInsertLock,
	})

	if len(cfg.Backends.Addrs) == 0 {
		return errors.New("no backend is configured")
	}
	upstreams := make([]*backend.Upstream, 0, len(cfg.Backends.Addrs))
	for _, addr := range cfg.Backends.Addrs {
		u, err := backend.NewUpstream(backend.UpstreamOpts{
			Addr:    addr,
			Timeout: time.Duration(cfg.Backends.Timeout) * time.Second,
			Logger:  lg.Named("backend"),
		})
		if err != nil {
			return fmt.Errorf("failed to init backend %s, %w", addr, err)
		}
		upstreams = append(upstreams, u)
	}

	picker, err := backend.NewPicker(cfg.Backends.Policy)
	if err != nil {
		return err
	}

	p, err := proxy.New(proxy.Opts{
		Logger:       lg.Named("proxy"),
		Cache:        cache,
		Upstreams:    upstreams,
		Picker:       picker,
		AllowExpired: cfg.Cache.ServeStale,
	})
	if err != nil {
		return fmt.Errorf("failed to init proxy: %w", err)
	}

	m := &Pdns{
		logger:     lg,
		cache:      cache,
		upstreams:  upstreams,
		proxy:      p,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(cache, p),
		sg:         shutdown.NewGroup(),
	}

	m.logger.Info("proxy initialized",
		zap.Int("backends", len(m.upstreams)),
		zap.String("policy", cfg.Backends.Policy),
		zap.Uint64("cache_capacity", m.cache.MaxEntries()))

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.registerCacheAPI()

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i := range cfg.Servers {
		if err := m.startServer(&cfg.Servers[i]); err != nil {
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	if interval := cfg.Cache.CleanerInterval; interval > 0 {
		m.startCacheCleaner(time.Duration(interval) * time.Second)
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sg.Go(func(stop <-chan struct{}) error {
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				return err
			case <-stop:
				httpServer.Close()
				return nil
			}
		})
	}

	m.sg.Go(func(stop <-chan struct{}) error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			m.logger.Info("signal received, exiting", zap.Stringer("signal", s))
			m.sg.Trigger(nil)
		case <-stop:
		}
		return nil
	})

	return m.sg.Wait()
}

func (m *Pdns) startServer(cfg *ServerConfig) error {
	if len(cfg.Addr) == 0 {
		return errors.New("server addr is empty")
	}

	s := server.NewServer(server.ServerOpts{
		Logger:      m.logger.Named("server"),
		Handler:     m.proxy,
		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
	})

	run, err := m.initListener(cfg, s)
	if err != nil {
		return err
	}

	m.sg.Go(func(stop <-chan struct{}) error {
		errChan := make(chan error, 1)
		go func() {
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			if err != nil && !errors.Is(err, server.ErrServerClosed) {
				return err
			}
			return nil
		case <-stop:
			s.Close()
			<-errChan
			return nil
		}
	})
	return nil
}

func (m *Pdns) initListener(cfg *ServerConfig, s *server.Server) (func() error, error) {
	switch cfg.Protocol {
	case "", "udp":
		c, err := net.ListenPacket("udp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		m.logger.Info("udp server started", zap.String("addr", cfg.Addr))
		return func() error { return s.ServeUDP(c) }, nil

	case "tcp":
		l, err := m.listenTCP(cfg)
		if err != nil {
			return nil, err
		}
		m.logger.Info("tcp server started", zap.String("addr", cfg.Addr))
		return func() error { return s.ServeTCP(l) }, nil

	case "dot", "tls":
		tlsCfg, err := loadTLSConfig(cfg, "dot")
		if err != nil {
			return nil, err
		}
		l, err := m.listenTCP(cfg)
		if err != nil {
			return nil, err
		}
		m.logger.Info("dot server started", zap.String("addr", cfg.Addr))
		return func() error { return s.ServeTCP(tls.NewListener(l, tlsCfg)) }, nil

	case "doq", "quic":
		tlsCfg, err := loadTLSConfig(cfg, "doq")
		if err != nil {
			return nil, err
		}
		l, err := quic.ListenAddrEarly(cfg.Addr, tlsCfg, &quic.Config{Allow0RTT: true})
		if err != nil {
			return nil, err
		}
		m.logger.Info("doq server started", zap.String("addr", cfg.Addr))
		return func() error { return s.ServeQUIC(l) }, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
}

func (m *Pdns) listenTCP(cfg *ServerConfig) (net.Listener, error) {
	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l}
	}
	return l, nil
}

func loadTLSConfig(cfg *ServerConfig, protocol string) (*tls.Config, error) {
	if len(cfg.Cert) == 0 || len(cfg.Key) == 0 {
		return nil, fmt.Errorf("%s requires cert and key", protocol)
	}
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if protocol == "doq" {
		tlsCfg.NextProtos = []string{"doq"}
	}
	return tlsCfg, nil
}

// startCacheCleaner sweeps expired entries off the cache periodically.
func (m *Pdns) startCacheCleaner(interval time.Duration) {
	m.sg.Go(func(stop <-chan struct{}) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.cache.PurgeExpired(0)
				m.logger.Debug("expired entries purged", zap.String("cache", m.cache.String()))
			case <-stop:
				return nil
			}
		}
	})
}

func newMetricsReg(c *packetcache.Cache, p *proxy.Proxy) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(newCacheCollector(c), newProxyCollector(p))
	return reg
}
