package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to an event. Fields apply in order, so a repeated key
// keeps the last value.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field       { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds the error under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Campaign tags an event with the campaign id.
func Campaign(id string) Field { return String("campaign", id) }

// Addr logs a recipient address with the middle of its local part masked.
func Addr(k, addr string) Field {
	return func(e *zerolog.Event) { e.Str(k, MaskAddr(addr)) }
}

// MaskAddr keeps the first three and last two characters of the local part:
// "15550100200@s.whatsapp.net" becomes "155******00@s.whatsapp.net". Local
// parts shorter than seven characters are returned unchanged.
func MaskAddr(addr string) string {
	local, domain, hasDomain := strings.Cut(addr, "@")
	if len(local) < 7 {
		return addr
	}
	var b strings.Builder
	b.Grow(len(addr))
	b.WriteString(local[:3])
	b.WriteString(strings.Repeat("*", len(local)-5))
	b.WriteString(local[len(local)-2:])
	if hasDomain {
		b.WriteByte('@')
		b.WriteString(domain)
	}
	return b.String()
}
