// Package notification sends run outcome messages through shoutrrr services.
package notification

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"regexp"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

// DefaultTimeout bounds one delivery to all services.
const DefaultTimeout = 10 * time.Second

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a single message.
type Notification struct {
	Title   string
	Message string
	Level   Level
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// ShoutrrrNotifier sends to every configured shoutrrr URL.
type ShoutrrrNotifier struct {
	urls   []string
	sender *router.ServiceRouter
	log    logger.Logger
}

// Option configures a ShoutrrrNotifier.
type Option func(*options)

type options struct {
	timeout   time.Duration
	senderLog *stdlog.Logger
	log       logger.Logger
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithSenderLogger sets the logger shoutrrr services write to. It is
// discarded by default.
func WithSenderLogger(l *stdlog.Logger) Option {
	return func(o *options) { o.senderLog = l }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// New returns a Notifier for settings. It returns Nop when notifications
// are disabled or no URLs are configured.
func New(settings conf.NotificationSettings, opts ...Option) (Notifier, error) {
	if !settings.Enabled || len(settings.URLs) == 0 {
		return Nop{}, nil
	}
	return NewShoutrrr(settings.URLs, opts...)
}

// NewShoutrrr validates urls and creates a sender for them.
func NewShoutrrr(urls []string, opts ...Option) (*ShoutrrrNotifier, error) {
	o := options{timeout: DefaultTimeout, senderLog: stdlog.New(io.Discard, "", 0)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module("notification")
	}

	if len(urls) == 0 {
		return nil, errors.ValidationError("at least one notification URL is required")
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid notification URL: %s", redact(err.Error()))).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if o.timeout > 0 {
		sender.Timeout = o.timeout
	}
	sender.SetLogger(o.senderLog)

	return &ShoutrrrNotifier{urls: slices.Clone(urls), sender: sender, log: o.log}, nil
}

// Notify sends n to every service. The router applies its own timeout, ctx
// is only checked before sending.
func (s *ShoutrrrNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}

	var failed []error
	for _, err := range s.sender.Send(n.Message, &params) {
		if err != nil {
			failed = append(failed, fmt.Errorf("%s", redact(err.Error())))
		}
	}
	if len(failed) > 0 {
		return errors.New(errors.Join(failed...)).
			Component("notification").
			Category(errors.CategoryIntegration).
			Context("services", len(s.urls)).
			Context("failed", len(failed)).
			Build()
	}

	s.log.Debug("notification sent",
		logger.String("title", n.Title),
		logger.String("level", string(n.Level)),
		logger.Int("services", len(s.urls)))
	return nil
}

var credentialPattern = regexp.MustCompile(`://[^/@\s]+@`)

// redact hides the credential part of service URLs in s.
func redact(s string) string {
	return credentialPattern.ReplaceAllString(s, "://[REDACTED]@")
}
