package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyProject    = "project"
	KeyConfig     = "config"
	KeyPlatform   = "platform"
	KeyPlatformID = "platform_id"
	KeyBuildID    = "build_id"
	KeyRev        = "rev"
	KeySlave      = "slave"
	KeyStatus     = "status"
	KeyStep       = "step"
	KeyGenerator  = "generator"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Project(name string) slog.Attr   { return slog.String(KeyProject, name) }
func Config(name string) slog.Attr    { return slog.String(KeyConfig, name) }
func Platform(name string) slog.Attr  { return slog.String(KeyPlatform, name) }
func PlatformID(id int64) slog.Attr   { return slog.Int64(KeyPlatformID, id) }
func BuildID(id int64) slog.Attr      { return slog.Int64(KeyBuildID, id) }
func Rev(rev string) slog.Attr        { return slog.String(KeyRev, rev) }
func Slave(name string) slog.Attr     { return slog.String(KeySlave, name) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Generator(g string) slog.Attr    { return slog.String(KeyGenerator, g) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
