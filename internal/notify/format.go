package notify

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"deliverybot/internal/model"
)

const notAvailable = "N/A"

func orNA(s *string) string {
	if v := model.Deref(s); v != "" {
		return html.EscapeString(v)
	}
	return notAvailable
}

// FormatDelivery renders an extracted delivery as Telegram HTML.
func FormatDelivery(f model.DeliveryFacts) string {
	service := model.Deref(f.Service)
	if service == "" {
		service = model.UnknownValue
	}

	var b strings.Builder
	b.WriteString("📦 <b>Delivery update</b>\n\n")
	fmt.Fprintf(&b, "<b>Service:</b> %s\n", html.EscapeString(service))
	fmt.Fprintf(&b, "<b>Order number:</b> <code>%s</code>\n", orNA(f.OrderNumber))
	fmt.Fprintf(&b, "<b>Status:</b> %s\n", orNA(f.Status))
	fmt.Fprintf(&b, "<b>Recipient:</b> %s\n", orNA(f.RecipientName))
	fmt.Fprintf(&b, "<b>Address:</b> %s\n", orNA(f.Address))
	fmt.Fprintf(&b, "<b>Expected:</b> %s", orNA(f.EstimatedDelivery))
	if code := model.Deref(f.PickupCode); code != "" {
		fmt.Fprintf(&b, "\n<b>Pickup code:</b> <code>%s</code>", html.EscapeString(code))
	}
	return b.String()
}

// FormatActive renders the /status listing.
func FormatActive(deliveries []model.Delivery) string {
	if len(deliveries) == 0 {
		return "📭 No active deliveries"
	}

	var b strings.Builder
	b.WriteString("<b>📦 Active deliveries:</b>\n\n")
	for i, d := range deliveries {
		fmt.Fprintf(&b, "<b>%d. %s</b>\n", i+1, html.EscapeString(d.Service))
		fmt.Fprintf(&b, "   Number: <code>%s</code>\n", html.EscapeString(d.OrderNumber))
		fmt.Fprintf(&b, "   Status: %s\n", html.EscapeString(d.Status))
		if addr := model.Deref(d.Address); addr != "" {
			fmt.Fprintf(&b, "   Address: %s\n", html.EscapeString(addr))
		}
		if code := model.Deref(d.PickupCode); code != "" {
			fmt.Fprintf(&b, "   Code: <code>%s</code>\n", html.EscapeString(code))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatStats renders the /stats reply; services are listed alphabetically.
func FormatStats(s model.Statistics) string {
	var b strings.Builder
	b.WriteString("<b>📊 Statistics:</b>\n\n")
	fmt.Fprintf(&b, "📦 Total: <b>%d</b>\n", s.Total)
	fmt.Fprintf(&b, "✅ Active: <b>%d</b>\n", s.Active)
	fmt.Fprintf(&b, "🎉 Completed: <b>%d</b>", s.Completed)

	if len(s.ByService) > 0 {
		names := make([]string, 0, len(s.ByService))
		for name := range s.ByService {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\n\n<b>By service:</b>")
		for _, name := range names {
			fmt.Fprintf(&b, "\n  • %s: %d", html.EscapeString(name), s.ByService[name])
		}
	}
	return b.String()
}
