// Package basicauth provides a WSGI chain link enforcing HTTP Basic
// Authentication before passing a request on to the rest of the chain,
// grounded on _examples/original_source/brim/wsgi_basic_auth.py's
// single-section, auth-then-forward shape, with the actual credential
// verification built the way
// _examples/tomtom215-cartographus/internal/auth/basic.go's
// BasicAuthManager does it: bcrypt for the password hash, a constant-time
// comparison for the username, both evaluated unconditionally so a mismatch
// on one field never short-circuits the other.
package basicauth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	launcherrors "github.com/gholt/brimd/internal/errors"
	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/registry"
)

func init() {
	registry.RegisterWSGI("basicauth.WSGIBasicAuth", factory{})
}

type conf struct {
	realm        string
	username     string
	passwordHash []byte
}

type factory struct{}

// ParseConf hashes auth_password once per process at plan-freeze time (the
// parent and every worker each run plan.Load) rather than per request; each
// request then costs one bcrypt comparison against that hash. This is the
// reasoning cartographus's NewBasicAuthManager doc comment gives for hashing
// at construction instead of per-call.
func (factory) ParseConf(name string, c *iniconf.Conf) (interface{}, error) {
	user := c.GetString(name, "auth_user", "")
	pass := c.GetString(name, "auth_password", "")
	realm := c.GetString(name, "realm", "brimd")
	if user == "" || pass == "" {
		return nil, launcherrors.NewConfigError(launcherrors.Section(name), fmt.Errorf("auth_user and auth_password are required"))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost+2)
	if err != nil {
		return nil, err
	}
	return conf{realm: realm, username: user, passwordHash: hash}, nil
}

type handler struct {
	next registry.WSGILink
	conf conf
}

func (factory) NewWSGI(name string, c interface{}, next registry.WSGILink) (registry.WSGILink, error) {
	return &handler{next: next, conf: c.(conf)}, nil
}

// ServeWSGI rejects with 401 unless the Authorization header carries valid
// Basic credentials for the configured user, otherwise forwards to next.
func (h *handler) ServeWSGI(ctx *registry.RequestContext, w http.ResponseWriter, r *http.Request) {
	if !h.validate(r.Header.Get("Authorization")) {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.conf.realm+`", charset="UTF-8"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.next.ServeWSGI(ctx, w, r)
}

func (h *handler) validate(authHeader string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, prefix))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return false
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(h.conf.username)) == 1
	passwordMatch := bcrypt.CompareHashAndPassword(h.conf.passwordHash, []byte(parts[1])) == nil
	return usernameMatch && passwordMatch
}
