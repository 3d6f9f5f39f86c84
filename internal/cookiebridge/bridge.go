// Package cookiebridge carries a set of session cookies inside one carrier
// cookie so they survive a CDN that forwards a single cookie name.
package cookiebridge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/felixge/httpsnoop"

	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/metrics"
)

// CarrierMaxAge is the carrier's fixed lifetime in seconds. It does not
// follow the expiry of the cookies it carries.
const CarrierMaxAge = 15 * 60

// DefaultCarrierName is the only cookie name Firebase-style hosting forwards.
const DefaultCarrierName = "__session"

// Bridge packs and unpacks the carrier cookie.
type Bridge struct {
	name string
}

// New returns a Bridge using the carrier cookie name.
func New(name string) *Bridge {
	if name == "" {
		name = DefaultCarrierName
	}
	return &Bridge{name: name}
}

// Name returns the carrier cookie name.
func (b *Bridge) Name() string {
	return b.name
}

// Wrap applies Unpack on the way in and Pack on the way out.
func (b *Bridge) Wrap(next http.Handler) http.Handler {
	return b.Unpack(b.Pack(next))
}

// DecodeValue parses a carrier cookie value. The value is normally
// query-escaped JSON; raw JSON is accepted too. On error the returned map
// is empty, never nil.
func DecodeValue(value string) (map[string]string, error) {
	packed := map[string]string{}
	if value == "" {
		return packed, nil
	}
	raw := value
	if unescaped, err := url.QueryUnescape(value); err == nil {
		raw = unescaped
	}
	if err := json.Unmarshal([]byte(raw), &packed); err != nil {
		return map[string]string{}, fmt.Errorf("decode carrier cookie: %w", err)
	}
	if packed == nil {
		packed = map[string]string{}
	}
	return packed, nil
}

// Decode reads the carrier cookie from r. A missing carrier is an empty map.
func (b *Bridge) Decode(r *http.Request) (map[string]string, error) {
	return DecodeValue(b.carrierValue(r))
}

// carrierValue scans the raw Cookie headers for the carrier. r.Cookie would
// drop an unescaped JSON value because it contains quotes.
func (b *Bridge) carrierValue(r *http.Request) string {
	prefix := b.name + "="
	for _, line := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, prefix) {
				return part[len(prefix):]
			}
		}
	}
	return ""
}

// Merge applies Set-Cookie lines to packed: deletions (Max-Age=0) remove the
// name, everything else stores the value. It reports whether any cookie
// other than the carrier itself was seen.
func (b *Bridge) Merge(packed map[string]string, lines []string) bool {
	seen := false
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil || c.Name == b.name {
			continue
		}
		if c.MaxAge < 0 {
			delete(packed, c.Name)
		} else {
			packed[c.Name] = c.Value
		}
		seen = true
	}
	return seen
}

// Carrier builds the carrier Set-Cookie for packed. An empty map yields a
// deleting cookie.
func (b *Bridge) Carrier(packed map[string]string) *http.Cookie {
	c := &http.Cookie{
		Name:     b.name,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	if len(packed) == 0 {
		c.MaxAge = -1
		return c
	}
	data, err := json.Marshal(packed)
	if err != nil {
		c.MaxAge = -1
		return c
	}
	c.Value = url.QueryEscape(string(data))
	c.MaxAge = CarrierMaxAge
	return c
}

// Pack rewrites the response's Set-Cookie headers just before they are sent,
// appending a carrier cookie that reflects them. The original headers are
// forwarded as well so direct callers keep their individual cookies.
func (b *Bridge) Pack(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var once sync.Once
		rewrite := func() { once.Do(func() { b.rewrite(w.Header(), r) }) }

		hooks := httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					rewrite()
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(p []byte) (int, error) {
					rewrite()
					return next(p)
				}
			},
			ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
				return func(src io.Reader) (int64, error) {
					rewrite()
					return next(src)
				}
			},
			Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
				return func() {
					rewrite()
					next()
				}
			},
		}

		next.ServeHTTP(httpsnoop.Wrap(w, hooks), r)
		// Handlers that never wrote still get their headers rewritten.
		rewrite()
	})
}

func (b *Bridge) rewrite(h http.Header, r *http.Request) {
	var lines []string
	for _, v := range h.Values("Set-Cookie") {
		lines = append(lines, SplitSetCookie(v)...)
	}
	if len(lines) == 0 {
		return
	}

	packed, err := b.Decode(r)
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Str("cookie", b.name).Msg("Ignoring corrupt carrier cookie")
	}
	if !b.Merge(packed, lines) {
		return
	}

	h.Del("Set-Cookie")
	for _, line := range lines {
		h.Add("Set-Cookie", line)
	}
	carrier := b.Carrier(packed)
	h.Add("Set-Cookie", carrier.String())

	action := "set"
	if carrier.MaxAge < 0 {
		action = "delete"
	}
	metrics.CarrierCookieWrites.WithLabelValues(action).Inc()
}

// Unpack adds every packed cookie to the request's Cookie header before next
// runs. Cookies the client sent directly take precedence over packed ones.
func (b *Bridge) Unpack(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := b.carrierValue(r)
		if value == "" {
			next.ServeHTTP(w, r)
			return
		}
		packed, err := DecodeValue(value)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Str("cookie", b.name).Msg("Ignoring corrupt carrier cookie")
			next.ServeHTTP(w, r)
			return
		}

		present := make(map[string]bool)
		for _, existing := range r.Cookies() {
			present[existing.Name] = true
		}
		names := make([]string, 0, len(packed))
		for name := range packed {
			if !present[name] {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		var parts []string
		for _, name := range names {
			if s := (&http.Cookie{Name: name, Value: packed[name]}).String(); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		r = r.Clone(r.Context())
		if existing := r.Header.Values("Cookie"); len(existing) > 0 {
			parts = append(append([]string(nil), existing...), parts...)
		}
		r.Header.Set("Cookie", strings.Join(parts, "; "))
		next.ServeHTTP(w, r)
	})
}
