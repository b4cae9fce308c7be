package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/fluent/fluent-logger-golang/fluent"

	"rental-hunter/config"
	"rental-hunter/db"
	"rental-hunter/fetcher"
	"rental-hunter/filter"
	"rental-hunter/logger"
	"rental-hunter/notify"
	"rental-hunter/scheduler"
	"rental-hunter/scraper"
	"rental-hunter/server"
	"rental-hunter/sheets"
	"rental-hunter/source"
)

const serviceName = "rental-hunter"

// app holds the wired components. Components are built on demand so that
// read-only commands never touch the notification channels or the sources.
type app struct {
	cfg *config.Config
	log logger.Logger
	out io.Writer

	fluent     *fluent.Fluent
	store      *db.DB
	dispatcher *notify.Dispatcher
	alerts     *notify.Ntfy // inquiry outcomes, nil without ntfy
	sched      *scheduler.Scheduler

	browserMu sync.Mutex
	browser   *fetcher.RodFetcher
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	log, client, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, out: out, fluent: client}, nil
}

func newLogger(cfg config.LoggingConfig) (logger.Logger, *fluent.Fluent, error) {
	level := logger.ParseLevel(cfg.Level)
	loggers := []logger.Logger{
		logger.NewSlog(logger.SlogConfig{Level: level, JSON: cfg.JSON, Color: cfg.Color}),
	}

	var client *fluent.Fluent
	if cfg.Fluent.Enabled {
		var err error
		client, err = logger.NewFluentClient(logger.FluentConfig{
			Host:      cfg.Fluent.Host,
			Port:      cfg.Fluent.Port,
			TagPrefix: cfg.Fluent.TagPrefix,
			Level:     level,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create fluent client: %w", err)
		}
		fl, err := logger.NewFluent(client, level)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		loggers = append(loggers, fl)
	}

	multi, err := logger.NewMulti(loggers...)
	if err != nil {
		return nil, nil, err
	}
	return multi.WithFields(logger.Fields{"service_name": serviceName}), client, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := db.Open(ctx, db.Config{
		URL:             a.cfg.Database.URL,
		MaxOpenConns:    a.cfg.Database.MaxOpenConns,
		ConnectRetries:  a.cfg.Database.ConnectRetries,
		ConnectInterval: a.cfg.Database.ConnectInterval.D(),
	}, a.log)
	if err != nil {
		return fmt.Errorf("seen store unavailable: %w", err)
	}
	a.store = store
	return nil
}

// buildDispatcher creates every enabled channel. A channel that fails to
// initialise is logged and left out; the remaining channels still work.
func (a *app) buildDispatcher(ctx context.Context) error {
	if a.dispatcher != nil {
		return nil
	}
	policy, err := notify.NewRenderPolicy(a.cfg.Notify.Fields)
	if err != nil {
		return err
	}

	var channels []notify.Channel
	add := func(name string, ch notify.Channel, err error) {
		if err != nil {
			a.log.Error("notification channel disabled", err, logger.Fields{"channel": name})
			return
		}
		channels = append(channels, ch)
	}

	n := a.cfg.Notify
	if n.Telegram.Enabled {
		ch, err := notify.NewTelegram(n.Telegram.Token, n.Telegram.ChatID)
		add("telegram", ch, err)
	}
	if n.Ntfy.Enabled {
		ch, err := notify.NewNtfy(notify.NtfyConfig{
			Server:     n.Ntfy.Server,
			Topic:      n.Ntfy.Topic,
			Priority:   n.Ntfy.Priority,
			Tags:       n.Ntfy.Tags,
			InquiryURL: a.inquiryURL(),
		})
		if err == nil {
			a.alerts = ch
		}
		add("ntfy", ch, err)
	}
	if n.Email.Enabled {
		ch, err := notify.NewEmail(notify.EmailConfig{
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			From:     n.Email.From,
			Password: n.Email.Password,
			To:       n.Email.To,
		})
		add("email", ch, err)
	}
	if n.Sheets.Enabled {
		ch, err := a.newSheetsChannel(ctx)
		add("sheets", ch, err)
	}
	if n.AMQP.Enabled {
		ch, err := notify.NewAMQP(notify.AMQPConfig{
			URL:        n.AMQP.URL,
			Exchange:   n.AMQP.Exchange,
			RoutingKey: n.AMQP.RoutingKey,
		})
		add("amqp", ch, err)
	}

	if len(channels) == 0 {
		a.log.Warn("no notification channel available, matches will stay pending", nil)
	}
	a.dispatcher = notify.NewDispatcher(channels, policy, a.cfg.Schedule.NotifyTimeout.D(), a.log)
	return nil
}

// inquiryURL is where ntfy buttons post inquiry requests, empty when
// inquiries are off
func (a *app) inquiryURL() string {
	if !a.cfg.Inquiry.Enabled || !a.cfg.Server.Enabled {
		return ""
	}
	return a.cfg.Server.PublicURL
}

func (a *app) newInquirer() (*notify.Inquirer, error) {
	in, email := a.cfg.Inquiry, a.cfg.Notify.Email
	cfg := notify.InquiryConfig{
		Host:       email.Host,
		Port:       email.Port,
		From:       email.From,
		Password:   email.Password,
		Name:       in.Name,
		Phone:      in.Phone,
		ReplyTo:    in.ReplyTo,
		MaxPerHour: in.MaxPerHour,
	}
	if in.TemplateFile != "" {
		subject, body, err := notify.LoadInquiryTemplate(in.TemplateFile)
		if err != nil {
			return nil, err
		}
		cfg.Subject, cfg.Body = subject, body
	}
	return notify.NewInquirer(cfg)
}

func (a *app) newSheetsChannel(ctx context.Context) (notify.Channel, error) {
	s := a.cfg.Notify.Sheets
	w, err := sheets.NewWriter(ctx, s.SpreadsheetURL, s.SheetName, s.CredentialsFile, a.log)
	if err != nil {
		return nil, err
	}
	if err := w.EnsureSheet(ctx); err != nil {
		a.log.Warn("could not prepare spreadsheet, will retry on first append", logger.Fields{"error": err.Error()})
	}
	return notify.NewSheets(w), nil
}

// buildSources turns every enabled source entry into a schedule
func (a *app) buildSources() ([]scheduler.SourceSchedule, error) {
	reg := source.NewRegistry()
	fetchers := scraper.Fetchers{}
	if scraper.NeedsBrowser(a.cfg.Sources) {
		fetchers.Browser = a.sharedBrowser
	}
	scraper.Register(reg, fetchers)

	var schedules []scheduler.SourceSchedule
	for _, sc := range a.cfg.Sources {
		if !sc.IsEnabled() {
			a.log.Info("source disabled", logger.Fields{"source": sc.Name})
			continue
		}
		adapter, err := reg.Build(sc)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		schedules = append(schedules, scheduler.SourceSchedule{Adapter: adapter, Interval: sc.Interval.D()})
	}
	if len(schedules) == 0 {
		return nil, errors.New("no enabled sources")
	}
	return schedules, nil
}

// sharedBrowser starts one headless browser on first use and hands the
// same instance to every rendering source
func (a *app) sharedBrowser() (fetcher.Fetcher, error) {
	a.browserMu.Lock()
	defer a.browserMu.Unlock()
	if a.browser == nil {
		b, err := fetcher.NewRodFetcher(a.log)
		if err != nil {
			return nil, err
		}
		a.browser = b
	}
	return a.browser, nil
}

func (a *app) buildScheduler(ctx context.Context) error {
	if err := a.buildDispatcher(ctx); err != nil {
		return err
	}
	schedules, err := a.buildSources()
	if err != nil {
		return err
	}
	timeouts, backoff, quiet, err := scheduler.PoliciesFromConfig(a.cfg.Schedule)
	if err != nil {
		return err
	}

	a.sched, err = scheduler.New(schedules, scheduler.Config{
		Store:    a.store,
		Notifier: a.dispatcher,
		Filter:   filter.NewFilter(a.cfg.Criteria),
		Logger:   a.log,
		Timeouts: timeouts,
		Backoff:  backoff,
		Quiet:    quiet,
	})
	return err
}

func (a *app) startServer() *http.Server {
	if !a.cfg.Server.Enabled {
		return nil
	}

	var opts []server.Option
	if a.cfg.Inquiry.Enabled {
		inquirer, err := a.newInquirer()
		if err != nil {
			a.log.Error("landlord inquiries disabled", err, nil)
		} else {
			var alerts server.Alerter
			if a.alerts != nil {
				alerts = a.alerts
			}
			opts = append(opts, server.WithInquiries(inquirer, alerts))
		}
	}

	srv := server.New(a.cfg.Server.Addr, a.store, a.sched, a.log, opts...)
	go func() {
		a.log.Info("status server listening", logger.Fields{"addr": a.cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("status server failed", err, nil)
		}
	}()
	return srv
}

func (a *app) close() {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.log.Warn("failed to close notification channels", logger.Fields{"error": err.Error()})
		}
	}
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.log.Warn("failed to close browser", logger.Fields{"error": err.Error()})
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close seen store", logger.Fields{"error": err.Error()})
		}
	}
	if a.fluent != nil {
		_ = a.fluent.Close()
	}
}
