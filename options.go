package slchat

import (
	"time"

	"github.com/rs/zerolog"
)

// Platform limits.
const (
	MinSendInterval          = 750 * time.Millisecond
	DefaultSendTimeout       = 5 * time.Second
	DefaultOwnerFetchTimeout = 2 * time.Second
	DefaultCacheWipeInterval = 2 * time.Hour
	DefaultHost              = "slchat.alwaysdata.net"
)

// --- Bot Options ---

// Option configures a Bot.
type Option func(*config)

type config struct {
	logger            zerolog.Logger
	errorSink         ErrorSink
	dialer            Dialer
	api               *API
	host              string
	sendInterval      time.Duration
	sendTimeout       time.Duration
	ownerFetchTimeout time.Duration
	cacheWipeInterval time.Duration
	reconnect         ReconnectPolicy
	onSend            func(chatID, event string, payload any)
	onReceive         func(chatID string, frame *Frame)
	debug             bool
}

func defaultConfig() config {
	return config{
		logger:            zerolog.Nop(),
		host:              DefaultHost,
		sendInterval:      MinSendInterval,
		sendTimeout:       DefaultSendTimeout,
		ownerFetchTimeout: DefaultOwnerFetchTimeout,
		cacheWipeInterval: DefaultCacheWipeInterval,
		reconnect:         NoReconnect,
	}
}

// WithLogger sets a structured logger for the bot.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithErrorSink sets the hook receiving every non-fatal failure. The
// default sink logs at error level.
func WithErrorSink(sink ErrorSink) Option {
	return func(c *config) {
		c.errorSink = sink
	}
}

// WithDialer replaces the Socket.IO dialer. Tests use it to run the bot
// against in-memory transports.
func WithDialer(d Dialer) Option {
	return func(c *config) {
		c.dialer = d
	}
}

// WithAPI sets the REST client used for cold cache misses.
func WithAPI(api *API) Option {
	return func(c *config) {
		c.api = api
	}
}

// WithHost overrides the service host used by the default dialer and API.
func WithHost(host string) Option {
	return func(c *config) {
		c.host = host
	}
}

// WithSendInterval sets the minimum spacing between two sends. Values below
// MinSendInterval are raised to it.
func WithSendInterval(d time.Duration) Option {
	return func(c *config) {
		c.sendInterval = max(d, MinSendInterval)
	}
}

// WithSendTimeout sets how long Send waits for the server echo.
func WithSendTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithOwnerFetchTimeout bounds the REST lookup of an unknown message owner.
// The lookup runs on the chat's read loop, so echoes for that chat wait
// behind it. Keep it well below the send timeout.
func WithOwnerFetchTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ownerFetchTimeout = d
		}
	}
}

// WithCacheWipeInterval sets how often the transient fetch cache is cleared.
func WithCacheWipeInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.cacheWipeInterval = d
		}
	}
}

// WithReconnectPolicy sets the policy consulted when a chat sub-channel
// drops.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *config) {
		if p != nil {
			c.reconnect = p
		}
	}
}

// WithOnSend sets a callback invoked before each outbound emit.
func WithOnSend(fn func(chatID, event string, payload any)) Option {
	return func(c *config) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked after each inbound frame is read.
// chatID is empty for the control channel.
func WithOnReceive(fn func(chatID string, frame *Frame)) Option {
	return func(c *config) {
		c.onReceive = fn
	}
}

// WithDebug logs every inbound and outbound frame at debug level.
func WithDebug(debug bool) Option {
	return func(c *config) {
		c.debug = debug
	}
}

// --- Send Options ---

// Formatter produces a formatted body appended to an outbound message.
type Formatter interface {
	Build() string
}

// SendOption configures a single Send.
type SendOption func(*sendConfig)

type sendConfig struct {
	embed Formatter
}

// WithEmbed appends the formatter's output to the message text.
func WithEmbed(f Formatter) SendOption {
	return func(c *sendConfig) {
		c.embed = f
	}
}

// composeText joins text with the optional formatted body. A formatter
// that renders nothing leaves text unchanged.
func (c sendConfig) composeText(text string) string {
	if c.embed == nil {
		return text
	}
	body := c.embed.Build()
	if body == "" {
		return text
	}
	if text == "" {
		return body
	}
	return text + "\n" + body
}

// ReconnectPolicy decides whether a dropped sub-channel is redialed.
// attempt starts at 1. Returning false leaves the chat unconnected.
type ReconnectPolicy func(chatID string, attempt int, err error) (time.Duration, bool)

// NoReconnect never redials.
func NoReconnect(string, int, error) (time.Duration, bool) {
	return 0, false
}

// ConstantBackoff redials up to attempts times, waiting delay each time.
func ConstantBackoff(delay time.Duration, attempts int) ReconnectPolicy {
	return func(_ string, attempt int, _ error) (time.Duration, bool) {
		return delay, attempt <= attempts
	}
}
