package monitor

import (
	"log/slog"
	"net/url"
	"sync"

	"github.com/rickgao/querywatch/internal/connection"
	"github.com/rickgao/querywatch/internal/poller"
)

// TransportFactory builds transports for sessions.
type TransportFactory interface {
	// LiveSupported reports whether live transports can be used at all.
	LiveSupported() bool

	// NewLive returns an unopened live transport for queryID.
	NewLive(queryID string) connection.Transport

	// NewPoll returns an unopened poll transport for queryID.
	NewPoll(queryID string) connection.Transport
}

// FactoryConfig configures the default factory.
type FactoryConfig struct {
	LiveEnabled bool
	Live        connection.LiveConfig
	Poll        poller.Config
}

// Factory builds gorilla/websocket live transports and HTTP poll
// transports. Live capability is probed once.
type Factory struct {
	cfg    FactoryConfig
	source poller.StatusSource
	logger *slog.Logger

	once      sync.Once
	supported bool
}

var _ TransportFactory = (*Factory)(nil)

// NewFactory creates a Factory. source serves the poll transports.
func NewFactory(cfg FactoryConfig, source poller.StatusSource, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		source: source,
		logger: logger,
	}
}

// LiveSupported reports whether live is enabled and the WebSocket base URL
// is usable.
func (f *Factory) LiveSupported() bool {
	f.once.Do(func() {
		f.supported = f.probe()
	})
	return f.supported
}

func (f *Factory) probe() bool {
	if !f.cfg.LiveEnabled {
		f.logger.Info("live transport disabled, using polling only")
		return false
	}

	u, err := url.Parse(f.cfg.Live.BaseURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		f.logger.Warn("live transport unavailable, using polling only",
			"ws_url", f.cfg.Live.BaseURL,
		)
		return false
	}
	return true
}

// NewLive returns a new live transport.
func (f *Factory) NewLive(queryID string) connection.Transport {
	return connection.NewLiveTransport(f.cfg.Live, queryID, f.logger.With("transport", "live"))
}

// NewPoll returns a new poll transport.
func (f *Factory) NewPoll(queryID string) connection.Transport {
	return poller.New(f.cfg.Poll, f.source, queryID, f.logger.With("transport", "poll"))
}
