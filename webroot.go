package acme

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// challengeDir is where HTTP-01 tokens are published, relative to the webroot.
// https://datatracker.ietf.org/doc/html/rfc8555#section-8.3
const challengeDir = ".well-known/acme-challenge"

// ChallengeOptions are the per-call settings of a Webroot operation.
// Zero fields fall back to the Webroot's defaults.
type ChallengeOptions struct {
	WebrootPath string
}

// Webroot publishes HTTP-01 tokens as files under a webroot directory so any
// web server serving that directory answers the CA's validation requests.
//
// Operations only touch their own token file, so a Webroot is safe for
// concurrent use with distinct tokens.
type Webroot struct {
	defaults ChallengeOptions
}

// NewWebroot binds a responder to the given default webroot directory.
func NewWebroot(webrootPath string) *Webroot {
	return &Webroot{defaults: ChallengeOptions{WebrootPath: webrootPath}}
}

// Options returns the bound defaults.
func (w *Webroot) Options() ChallengeOptions {
	return w.defaults
}

// Store writes secret as the content of the token file, creating the challenge
// directory when needed. Storing the same token twice overwrites it.
func (w *Webroot) Store(opts ChallengeOptions, domain, token, secret string) error {
	dir := w.challengePath(opts)
	file, err := tokenPath(dir, token)
	if err != nil {
		return ioError("store challenge", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError("store challenge", dir, err)
	}
	if err := writeFileAtomic(file, []byte(secret), 0o644); err != nil {
		return ioError("store challenge", file, err)
	}
	return nil
}

// Retrieve returns the secret stored for token.
func (w *Webroot) Retrieve(opts ChallengeOptions, domain, token string) (string, error) {
	dir := w.challengePath(opts)
	file, err := tokenPath(dir, token)
	if err != nil {
		return "", notFoundError("retrieve challenge", dir, err)
	}
	b, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFoundError("retrieve challenge", file, err)
		}
		return "", ioError("retrieve challenge", file, err)
	}
	return string(b), nil
}

// Remove deletes the token file. A token that is already gone is not an error.
func (w *Webroot) Remove(opts ChallengeOptions, domain, token string) error {
	dir := w.challengePath(opts)
	file, err := tokenPath(dir, token)
	if err != nil {
		return ioError("remove challenge", dir, err)
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("remove challenge", file, err)
	}
	return nil
}

// Present implements challenge.Provider.
func (w *Webroot) Present(domain, token, keyAuth string) error {
	return w.Store(ChallengeOptions{}, domain, token, keyAuth)
}

// CleanUp implements challenge.Provider.
func (w *Webroot) CleanUp(domain, token, keyAuth string) error {
	return w.Remove(ChallengeOptions{}, domain, token)
}

func (w *Webroot) challengePath(opts ChallengeOptions) string {
	root := opts.WebrootPath
	if root == "" {
		root = w.defaults.WebrootPath
	}
	return filepath.Join(root, filepath.FromSlash(challengeDir))
}

// tokenPath rejects tokens that would escape the challenge directory.
// ACME tokens are base64url, so none of these occur in practice.
func tokenPath(dir, token string) (string, error) {
	if token == "" || token == "." || token == ".." || strings.ContainsAny(token, `/\`) {
		return "", fs.ErrInvalid
	}
	return filepath.Join(dir, token), nil
}
