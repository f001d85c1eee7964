package httphandler

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	sessionCookieName = "sc_session"
	stateCookieName   = "sc_oauth_state"
	stateTokenBytes   = 32

	// DefaultSessionTTL is how long a signed-in browser stays signed in.
	DefaultSessionTTL = 7 * 24 * time.Hour
	stateTTL          = 10 * time.Minute
)

var errBadCookie = errors.New("invalid signed cookie")

// Sessions issues and verifies HMAC-SHA256 signed cookies. The session cookie
// carries the tenant id; the state cookie carries the OAuth state nonce.
type Sessions struct {
	secret []byte
	secure bool
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a Sessions signer. secure sets the Secure attribute and
// switches SameSite to None so a separately hosted frontend can send the
// cookie; without it SameSite is Lax.
func NewSessions(secret string, secure bool, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{secret: []byte(secret), secure: secure, ttl: ttl, now: time.Now}
}

type cookiePayload struct {
	Value   string `json:"v"`
	Expires int64  `json:"e"`
}

// sign binds value to the cookie name so a value signed for one cookie never
// verifies as another.
func (s *Sessions) sign(name, value string, ttl time.Duration) string {
	payload, _ := json.Marshal(cookiePayload{Value: value, Expires: s.now().Add(ttl).Unix()})
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.mac(name, body)
}

func (s *Sessions) verify(name, raw string) (string, error) {
	body, sig, ok := strings.Cut(raw, ".")
	if !ok || subtle.ConstantTimeCompare([]byte(sig), []byte(s.mac(name, body))) != 1 {
		return "", errBadCookie
	}

	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", errBadCookie
	}
	var p cookiePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Value == "" {
		return "", errBadCookie
	}
	if s.now().Unix() > p.Expires {
		return "", errBadCookie
	}
	return p.Value, nil
}

func (s *Sessions) mac(name, body string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (s *Sessions) cookie(name, value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.secure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

// Issue sets the session cookie for tenantID.
func (s *Sessions) Issue(w http.ResponseWriter, tenantID string) {
	http.SetCookie(w, s.cookie(sessionCookieName, s.sign(sessionCookieName, tenantID, s.ttl), int(s.ttl.Seconds())))
}

// Tenant returns the tenant id from a valid session cookie.
func (s *Sessions) Tenant(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	tenantID, err := s.verify(sessionCookieName, c.Value)
	if err != nil {
		return "", false
	}
	return tenantID, true
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(sessionCookieName, "", -1))
}

// NewState generates an OAuth state nonce and stores it in a short-lived
// signed cookie.
func (s *Sessions) NewState(w http.ResponseWriter) string {
	state := generateToken()
	http.SetCookie(w, s.cookie(stateCookieName, s.sign(stateCookieName, state, stateTTL), int(stateTTL.Seconds())))
	return state
}

// ConsumeState reports whether state matches the state cookie, and clears
// the cookie either way.
func (s *Sessions) ConsumeState(w http.ResponseWriter, r *http.Request, state string) bool {
	http.SetCookie(w, s.cookie(stateCookieName, "", -1))

	c, err := r.Cookie(stateCookieName)
	if err != nil || c.Value == "" || state == "" {
		return false
	}
	want, err := s.verify(stateCookieName, c.Value)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(state)) == 1
}

func generateToken() string {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("session: failed to generate random token: " + err.Error())
	}
	return hex.EncodeToString(b)
}
