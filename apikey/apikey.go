// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package apikey issues and checks the API keys identifying subjects.
//
// A raw key is a fixed prefix followed by 64 hex characters. Only the
// first LookupLength characters and a bcrypt hash of the whole key are
// stored; the raw key is shown to its owner once.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type (
	Key struct {
		// Prefix holds the first LookupLength characters of the raw
		// key and identifies the subject.
		Prefix string

		Hash []byte
	}
)

const (
	DefaultPrefix = "mk_"

	// LookupLength is the number of leading characters of a raw key
	// stored in clear for lookup.
	LookupLength = 12

	secretBytes = 32
)

// Generate returns a new raw key starting with prefix, along with its
// stored form.
func Generate(prefix string) (string, Key, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", Key{}, fmt.Errorf("cannot read random bytes: %w", err)
	}

	raw := prefix + hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", Key{}, fmt.Errorf("cannot hash api key: %w", err)
	}

	return raw, Key{Prefix: raw[:LookupLength], Hash: hash}, nil
}

// PrefixOf checks raw has the shape of a key generated with prefix
// and returns its lookup prefix.
func PrefixOf(raw, prefix string) (string, bool) {
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}

	if len(raw) < len(prefix)+2*secretBytes || len(raw) < LookupLength {
		return "", false
	}

	return raw[:LookupLength], true
}

// Verify reports whether raw matches the stored hash.
func Verify(raw string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(raw)) == nil
}

// Extract returns the key sent with r, read from a bearer
// Authorization header or else from the X-API-Key header.
func Extract(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(value)
		}
	}

	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
