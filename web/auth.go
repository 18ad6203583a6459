package web

import (
	"crypto/subtle"
	"log"
	"net/http"
	"time"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
)

const authCookie = "bkvgg8_auth"

// AuthSession is how long a login is remembered before basic auth is requested again.
var AuthSession = 12 * time.Hour

// AuthMiddleware requires HTTP basic auth for the given user. After a successful login a signed and
// encrypted cookie with the user name is set so the browser does not need to resend the password.
type AuthMiddleware struct {
	user  string
	codec *securecookie.SecureCookie
	basic func(http.Handler) http.Handler
}

func NewAuthMiddleware(user, password string) AuthMiddleware {
	codec := securecookie.New(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	codec.MaxAge(int(AuthSession.Seconds()))
	return AuthMiddleware{
		user:  user,
		codec: codec,
		basic: httpauth.BasicAuth(httpauth.AuthOptions{
			Realm: "bkvgg8",
			AuthFunc: func(u, p string, r *http.Request) bool {
				ok := equal(u, user) && equal(p, password)
				log.Printf("login %s from %s: ok=%v", u, r.RemoteAddr, ok)
				return ok
			},
		}),
	}
}

func (mw AuthMiddleware) Middleware(next http.Handler) http.Handler {
	login := mw.basic(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw.setCookie(w)
		next.ServeHTTP(w, r)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mw.loggedIn(r) {
			next.ServeHTTP(w, r)
		} else {
			login.ServeHTTP(w, r)
		}
	})
}

func (mw AuthMiddleware) loggedIn(r *http.Request) bool {
	c, err := r.Cookie(authCookie)
	if err != nil {
		return false
	}
	var user string
	return mw.codec.Decode(authCookie, c.Value, &user) == nil && user == mw.user
}

func (mw AuthMiddleware) setCookie(w http.ResponseWriter) {
	value, err := mw.codec.Encode(authCookie, mw.user)
	if err != nil {
		log.Println("auth cookie:", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(AuthSession.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
