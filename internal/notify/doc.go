// Package notify delivers reminder and escalation messages.
//
// Two gateway kinds exist. A PushGateway sends a short title/body pair to a
// channel token (a Telegram chat id for the telegram provider). An
// EmailGateway renders a named template and mails it. Both report a Result
// instead of an error: a failed send is an expected outcome the engine logs
// and moves past.
//
// # Providers
//
//   - push: "telegram" (gopkg.in/telebot.v4) or "log"
//   - email: "smtp" (net/smtp) or "log"
//
// Every gateway built by NewPush/NewEmail is wrapped with a token bucket
// limiter and a per-call timeout.
package notify
