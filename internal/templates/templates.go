package templates

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"wanotify/internal/domain"
	"wanotify/internal/util"
)

var ErrNoReviewLink = errors.New("establishment has no review link")

// Bodies use {var} placeholders, see util.RenderTemplate.
var defaultBodies = map[domain.NotificationKind]string{
	domain.KindConfirmation: "{system} • Confirmação de Agendamento\n\n" +
		"Olá, {customer}! ✅\n" +
		"Seu agendamento {service_phrase}no *{establishment}* está *confirmado* para {when}.{address}\n",
	domain.KindReminder: "{system} • Lembrete\n\n" +
		"Oi, {customer}! ⏰\n" +
		"Lembrando do seu {service_short}no *{establishment}* hoje às {time} ({when}).{address}\n",
	domain.KindReview: "{system} • Como foi seu atendimento?\n\n" +
		"Oi{customer_suffix}! 🙌\n" +
		"Sua experiência no *{establishment}* é muito importante pra nós.\n\n" +
		"Se puder, avalie seu atendimento neste link:\n{review_link}\n\n" +
		"Seu feedback ajuda muito a melhorar nosso serviço! 💈✨\n",
	domain.KindWelcome: "{system} • Atendimento automático\n\n" +
		"Olá! 👋\n" +
		"Você está falando com o atendimento automático do *{establishment}*.\n\n" +
		"Para agendar seu horário de forma rápida, é só clicar no link abaixo:\n{booking_link}\n\n" +
		"Se preferir, pode mandar sua mensagem aqui que em breve alguém do time te responde 😊\n",
}

type Renderer struct {
	SystemName         string
	DefaultBookingLink string
	Location           *time.Location
	Bodies             map[domain.NotificationKind]string
}

func NewRenderer(systemName, defaultBookingLink, timezone string) (*Renderer, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Renderer{
		SystemName:         systemName,
		DefaultBookingLink: defaultBookingLink,
		Location:           loc,
		Bodies:             defaultBodies,
	}, nil
}

// Booking renders a booking-bound notification.
func (r *Renderer) Booking(kind domain.NotificationKind, b domain.Booking, est domain.Establishment) (string, error) {
	body, ok := r.Bodies[kind]
	if !ok || !kind.OneShot() {
		return "", fmt.Errorf("no booking template for %q", kind)
	}
	if kind == domain.KindReview && est.ReviewLink == "" {
		return "", ErrNoReviewLink
	}

	at := b.ScheduledAt.In(r.loc())
	vars := map[string]string{
		"system":          r.SystemName,
		"customer":        b.CustomerName,
		"customer_suffix": "",
		"establishment":   fallback(est.Name, "seu atendimento"),
		"when":            at.Format("02/01/2006") + " às " + at.Format("15:04"),
		"time":            at.Format("15:04"),
		"service_phrase":  "",
		"service_short":   "",
		"review_link":     est.ReviewLink,
		"address":         addressBlock(est),
	}
	if b.CustomerName != "" {
		vars["customer_suffix"] = ", " + b.CustomerName
	}
	if b.ServiceName != "" {
		vars["service_phrase"] = "de *" + b.ServiceName + "* "
		vars["service_short"] = "*" + b.ServiceName + "* "
	}
	return util.RenderTemplate(body, vars), nil
}

func (r *Renderer) Welcome(est domain.Establishment) string {
	return util.RenderTemplate(r.Bodies[domain.KindWelcome], map[string]string{
		"system":        r.SystemName,
		"establishment": fallback(est.Name, "seu estabelecimento"),
		"booking_link":  fallback(est.BookingLink, r.DefaultBookingLink),
	})
}

func (r *Renderer) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func addressBlock(est domain.Establishment) string {
	addr := strings.TrimSpace(est.Address)
	if !est.IncludeAddress || addr == "" {
		return ""
	}
	lines := strings.Split(addr, "\n")
	lines[0] = "📍 " + lines[0]
	return "\n\n*Endereço do atendimento:*\n" + strings.Join(lines, "\n")
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
