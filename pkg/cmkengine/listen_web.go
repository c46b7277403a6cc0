package cmkengine

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	// DefaultPassword sets default password, login with default password is not
	// possible. It needs to be changed in the ini file.
	DefaultPassword = "CHANGEME"
)

// verifyPassword returns true if the given password matches the required one.
// An empty required password disables the check, the default password never matches.
func verifyPassword(required, given string) bool {
	switch {
	case required == "":
		return true
	case required == DefaultPassword:
		log.Errorf("default password is still set, please change the password in the [/settings/WEB/server] section")

		return false
	}

	if hash, ok := strings.CutPrefix(required, "SHA256:"); ok {
		sum := sha256.Sum256([]byte(given))
		given = fmt.Sprintf("%x", sum)
		required = strings.ToLower(hash)
	}

	return subtle.ConstantTimeCompare([]byte(required), []byte(given)) == 1
}

func verifyRequestPassword(req *http.Request, requiredPassword string) bool {
	// check basic auth password
	_, password, _ := req.BasicAuth()
	if password == "" {
		// fallback to clear text password from http header
		password = req.Header.Get("Password")
	}

	return verifyPassword(requiredPassword, password)
}

// responseWriterCapture remembers the status code for logging and metrics.
type responseWriterCapture struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterCapture) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		startTime := time.Now()
		log.Tracef("incoming http(s) connection from %s", req.RemoteAddr)

		capture := &responseWriterCapture{ResponseWriter: res, statusCode: http.StatusOK}
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic in %s %s: %s", req.Method, req.URL.Path, r)
				http.Error(capture, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}

			route := req.URL.Path
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			code := fmt.Sprintf("%d", capture.statusCode)
			duration := time.Since(startTime)
			httpRequests.WithLabelValues(code, route).Inc()
			httpDuration.WithLabelValues(code, route).Observe(duration.Seconds())

			log.Debugf("http(s) request finished from: %-20s | duration: %12s | code: %3d | %s %s",
				req.RemoteAddr, duration, capture.statusCode, req.Method, req.URL.Path)
		}()

		next.ServeHTTP(capture, req)
	})
}

// checkAccess verifies allowed hosts and password of all api requests.
func (s *Server) checkAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if !s.allowedHosts.Check(req.RemoteAddr) {
			log.Warnf("ip %s is not in the allowed hosts", req.RemoteAddr)
			writeJSON(res, http.StatusForbidden, map[string]string{"error": "permission denied"})

			return
		}

		if !verifyRequestPassword(req, s.password) {
			log.Warnf("password mismatch from %s", req.RemoteAddr)
			writeJSON(res, http.StatusForbidden, map[string]string{"error": "permission denied"})

			return
		}

		next.ServeHTTP(res, req)
	})
}

func writeJSON(res http.ResponseWriter, code int, data interface{}) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(code)
	LogError(json.NewEncoder(res).Encode(data))
}

func writeError(res http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownHost):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		code = http.StatusBadRequest
	}
	writeJSON(res, code, map[string]string{"error": err.Error()})
}
