// Package core registers the built-in services every deployment carries.
package core

import (
	"context"
	"fmt"
	"strings"

	"botcore/pkg/event"
	"botcore/pkg/logger"
	"botcore/pkg/service"
	"botcore/pkg/session"
)

const (
	ServiceName = "core"
	HelpName    = "help"
)

// Register adds the ping, echo and help services to services.
func Register(ctx context.Context, services *service.Registry) error {
	core, err := services.Service(ctx, ServiceName, service.WithPriority(1))
	if err != nil {
		return err
	}
	core.SetHelp("ping: liveness check; echo <text>: repeat text")

	if _, err := core.OnFullmatch("ping", ping); err != nil {
		return err
	}
	if _, err := core.OnCommand("echo", echo); err != nil {
		return err
	}

	help, err := services.Service(ctx, HelpName, service.WithPriority(1))
	if err != nil {
		return err
	}
	help.SetHelp("help [service]: list services or show one")

	_, err = help.OnCommand("help", helpHandler(services))
	return err
}

func ping(ctx context.Context, bot *session.Bot, _ *event.Event) error {
	return bot.Send(ctx, "pong")
}

func echo(ctx context.Context, bot *session.Bot, ev *event.Event) error {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		logger.FromContext(ctx).Debug("Echo without text")
		return nil
	}
	return bot.Send(ctx, text)
}

func helpHandler(services *service.Registry) func(context.Context, *session.Bot, *event.Event) error {
	return func(ctx context.Context, bot *session.Bot, ev *event.Event) error {
		return bot.Send(ctx, Help(services, ev, strings.TrimSpace(ev.Text)))
	}
}

// Help renders the service listing as ev's sender is allowed to see it.
// With a name it describes that service alone.
func Help(services *service.Registry, ev *event.Event, name string) string {
	if name != "" {
		svc, ok := services.Lookup(name)
		if !ok || !svc.Eligible(ev, ev.UserPM) {
			return fmt.Sprintf("no service named %q", name)
		}
		var b strings.Builder
		b.WriteString(svc.Name())
		if help := svc.Help(); help != "" {
			b.WriteString(": " + help)
		}
		for _, trig := range svc.Triggers() {
			b.WriteString("\n  " + trig.String())
		}
		return b.String()
	}

	var lines []string
	for _, svc := range services.Services() {
		if !svc.Eligible(ev, ev.UserPM) {
			continue
		}
		line := svc.Name()
		if help := svc.Help(); help != "" {
			line += ": " + help
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "no services available"
	}
	return "services:\n" + strings.Join(lines, "\n")
}
