package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/handstand-coach/posture-service/timeutil"
)

var (
	errSigningDisabled = errors.New("signed model urls are not configured")
	errBadSignature    = errors.New("invalid signature")
	errExpired         = errors.New("signed url has expired")
)

// ArtifactServer hands out the model file, either directly or behind
// short-lived HMAC-signed URLs.
type ArtifactServer struct {
	path  string
	id    string
	key   []byte
	ttl   time.Duration
	clock timeutil.Clock
	// public, when set, replaces the request's scheme and Host in signed URLs.
	public *url.URL
}

func NewArtifactServer(path, id, signingKey string, ttl time.Duration, clock timeutil.Clock) *ArtifactServer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if id == "" {
		id = filepath.Base(path)
	}
	return &ArtifactServer{path: path, id: id, key: []byte(signingKey), ttl: ttl, clock: clock}
}

// SetPublicBase pins the base of signed URLs to a configured address.
func (a *ArtifactServer) SetPublicBase(base *url.URL) {
	a.public = base
}

func (a *ArtifactServer) sign(expires int64) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(a.id))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedURL returns the signed download URL for base and its expiry.
func (a *ArtifactServer) SignedURL(base *url.URL) (string, time.Time, error) {
	if len(a.key) == 0 {
		return "", time.Time{}, errSigningDisabled
	}
	expires := a.clock.Now().Add(a.ttl)
	exp := expires.Unix()

	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/model/signed"
	u.RawPath = ""
	u.RawQuery = url.Values{
		"expires": {strconv.FormatInt(exp, 10)},
		"sig":     {a.sign(exp)},
	}.Encode()
	return u.String(), expires, nil
}

// Verify checks the expires and sig query parameters.
func (a *ArtifactServer) Verify(q url.Values) error {
	if len(a.key) == 0 {
		return errSigningDisabled
	}
	exp, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return errBadSignature
	}
	sig, err := hex.DecodeString(q.Get("sig"))
	if err != nil {
		return errBadSignature
	}
	want, _ := hex.DecodeString(a.sign(exp))
	if !hmac.Equal(sig, want) {
		return errBadSignature
	}
	if a.clock.Now().Unix() > exp {
		return errExpired
	}
	return nil
}

func (a *ArtifactServer) handleModel(w http.ResponseWriter, r *http.Request) {
	a.serveArtifact(w, r)
}

func (a *ArtifactServer) handleModelURL(w http.ResponseWriter, r *http.Request) {
	signed, expires, err := a.SignedURL(a.requestBase(r))
	if err != nil {
		sendErrorResponse(w, "signing_disabled", err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":        signed,
		"expires_at": expires.UTC(),
	})
}

// requestBase falls back to the request's own address when no public base
// is configured. Host and X-Forwarded-Proto are then trusted as sent.
func (a *ArtifactServer) requestBase(r *http.Request) *url.URL {
	if a.public != nil {
		return a.public
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return &url.URL{Scheme: scheme, Host: r.Host}
}

func (a *ArtifactServer) handleSignedModel(w http.ResponseWriter, r *http.Request) {
	if err := a.Verify(r.URL.Query()); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, errSigningDisabled) {
			status = http.StatusNotFound
		}
		sendErrorResponse(w, "forbidden", err.Error(), status)
		return
	}
	a.serveArtifact(w, r)
}

func (a *ArtifactServer) serveArtifact(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(a.path)
	if err != nil {
		sendErrorResponse(w, "model_not_found", "model artifact is not available", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		sendErrorResponse(w, "model_not_found", "model artifact is not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+a.id+`"`)
	http.ServeContent(w, r, a.id, info.ModTime(), f)
}
