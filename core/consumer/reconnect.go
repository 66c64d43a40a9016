package consumer

import "log/slog"

// ReconnectSignal carries the error that triggered a reconnect attempt. Logged
// is set by [Base.CanReconnect] when the failure is classified as a stale
// keep-alive connection, or once CanReconnect has logged the error on a
// normal retry, to suppress the duplicate log line a generic retry loop would
// otherwise emit for it.
type ReconnectSignal struct {
	Err    error
	Logged bool
}

func (s *ReconnectSignal) logWith(logger *slog.Logger) {
	if s == nil || s.Logged {
		return
	}
	logger.Warn("protocol consumer reconnecting after error", slog.Any("error", s.Err))
	s.Logged = true
}
