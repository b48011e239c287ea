// Package logger builds configured log/slog loggers: JSON for production,
// text for development, with static service attributes. Components receive
// the resulting *slog.Logger through their constructors.
package logger
