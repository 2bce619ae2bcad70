package config

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/VanDung-dev/zsock/mq"
)

// NewLogger builds a JSON production logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}

// Runtime is a context with its sockets and device, built from a Config.
type Runtime struct {
	Context *mq.Context
	Device  *mq.Device

	cfg     *Config
	sockets []*mq.Socket
	log     *zap.Logger
}

// Build creates the context, opens and attaches every socket and prepares
// the device. The device is not started. On error everything created so
// far is released.
func Build(cfg *Config, log *zap.Logger, metrics *mq.Metrics) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, err := mq.NewContext(cfg.IOThreads,
		mq.WithLogger(log),
		mq.WithMetrics(metrics),
		mq.WithMaxSockets(cfg.MaxSockets))
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Context: ctx, cfg: cfg, log: log}

	frontend, err := rt.open("frontend", cfg.Device.Frontend)
	if err != nil {
		return nil, rt.abort(err)
	}
	backend, err := rt.open("backend", cfg.Device.Backend)
	if err != nil {
		return nil, rt.abort(err)
	}

	typ, _ := mq.ParseDeviceType(cfg.Device.Type)
	opts := []mq.DeviceOption{mq.WithDeviceLogger(log), mq.WithDeviceMetrics(metrics)}
	if cfg.Device.Monitor != nil {
		monitor, err := rt.open("monitor", *cfg.Device.Monitor)
		if err != nil {
			return nil, rt.abort(err)
		}
		opts = append(opts, mq.WithMonitor(monitor),
			mq.WithMonitorPrefixes(prefix(cfg.Device.InPrefix), prefix(cfg.Device.OutPrefix)))
	}

	rt.Device, err = mq.NewDevice(typ, frontend, backend, opts...)
	if err != nil {
		return nil, rt.abort(err)
	}
	return rt, nil
}

func prefix(p *string) []byte {
	if p == nil {
		return nil
	}
	return []byte(*p)
}

// open creates a socket, applies its options, then binds and connects.
func (rt *Runtime) open(role string, sc SocketConfig) (*mq.Socket, error) {
	p, _ := mq.ParsePattern(sc.Pattern)
	s, err := rt.Context.Socket(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	rt.sockets = append(rt.sockets, s)

	set := func(name mq.Option, value any) {
		if err == nil {
			err = s.SetOption(name, value)
		}
	}
	if sc.Identity != "" {
		set(mq.OptIdentity, sc.Identity)
	}
	if sc.SendHWM != nil {
		set(mq.OptSendHWM, *sc.SendHWM)
	}
	if sc.RecvHWM != nil {
		set(mq.OptRecvHWM, *sc.RecvHWM)
	}
	if sc.Linger != nil {
		set(mq.OptLingerMS, *sc.Linger)
	}
	if sc.ReconnectInterval != nil {
		set(mq.OptReconnectInterval, *sc.ReconnectInterval)
	}
	for _, topic := range sc.Subscribe {
		set(mq.OptSubscribe, topic)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}

	for _, ep := range sc.Bind {
		if err := s.Bind(ep); err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		rt.log.Info("socket bound",
			zap.String("role", role),
			zap.Stringer("pattern", p),
			zap.String("endpoint", s.LastEndpoint()))
	}
	for _, ep := range sc.Connect {
		if err := s.Connect(ep); err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		rt.log.Info("socket connected",
			zap.String("role", role),
			zap.Stringer("pattern", p),
			zap.String("endpoint", ep))
	}
	return s, nil
}

func (rt *Runtime) abort(err error) error {
	return errors.Join(err, rt.Close())
}

// Close stops the device, closes every socket and terminates the context
// within the configured linger.
func (rt *Runtime) Close() error {
	var err error
	if rt.Device != nil {
		if derr := rt.Device.Stop(); derr != nil {
			rt.log.Warn("device had stopped on error", zap.Error(derr))
		}
	}
	for _, s := range rt.sockets {
		err = errors.Join(err, s.Close())
	}
	return errors.Join(err, rt.Context.Terminate(rt.cfg.Linger))
}
