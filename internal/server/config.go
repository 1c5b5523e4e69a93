package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"threadline/internal/accesstime"
	"threadline/internal/ratelimit"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	handlers      map[string]http.Handler
	afterShutdown []func()

	limiter     *ratelimit.Limiter
	limitMethod string
	limitPrefix string

	gate *accesstime.Gate

	clock func() time.Time
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port uint16 `env:"PORT" envDefault:"9000"`

	RateLimit  int           `env:"RATE_LIMIT" envDefault:"5"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"60s"`

	// allowed hours [open, close), wrapping past midnight;
	// defaults reproduce "no access between 00:00 and 06:00"
	AccessOpenHour  int `env:"ACCESS_OPEN_HOUR" envDefault:"6"`
	AccessCloseHour int `env:"ACCESS_CLOSE_HOUR" envDefault:"0"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// WithRateLimiter guards requests matching method and pathPrefix with the
// provided sliding-window limiter
func WithRateLimiter(l *ratelimit.Limiter, method, pathPrefix string) Option {
	return optionFunc(func(c *config) {
		c.limiter = l
		c.limitMethod = method
		c.limitPrefix = pathPrefix
	})
}

// WithAccessGate denies all requests outside the gate's allowed hours
func WithAccessGate(g *accesstime.Gate) Option {
	return optionFunc(func(c *config) {
		c.gate = g
	})
}

// WithClock overrides the time source used by the gating middlewares,
// mainly for tests
func WithClock(clock func() time.Time) Option {
	return optionFunc(func(c *config) {
		c.clock = clock
	})
}

// TimeoutHandler wraps each handler in handlers map in http.TimeoutHandler with provided duration and message
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}

// registerHandlers iterates over a handlers map and registers each handler for newly initialized http.ServeMux
// that http.ServeMux is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		mux := http.NewServeMux()
		for pattern, h := range c.handlers {
			mux.Handle(pattern, h)
		}
		c.httpServer.Handler = mux
	})
}

// applyEnforcePostJson wraps each handler in handlers map with enforcePostJson middleware
func applyEnforcePostJson() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = enforcePostJson(h)
		}
	})
}

// applyThrottle wraps each handler with the rate-limit middleware when a
// limiter is configured
func applyThrottle() Option {
	return optionFunc(func(c *config) {
		if c.limiter == nil {
			return
		}
		for pattern, h := range c.handlers {
			c.handlers[pattern] = throttle(h, c.limiter, c.limitMethod, c.limitPrefix, c.clock)
		}
	})
}

// applyAccessGate wraps each handler with the access-time middleware when a
// gate is configured
func applyAccessGate() Option {
	return optionFunc(func(c *config) {
		if c.gate == nil {
			return
		}
		for pattern, h := range c.handlers {
			c.handlers[pattern] = restrictAccessTime(h, c.gate, c.clock)
		}
	})
}

// applyLog wraps each http.Handler in handlers map with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, logger)
		}
	})
}
