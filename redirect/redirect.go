// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package redirect implements the Redirect helper (C8): issuing a 302 that
// either passes through untouched, binds a new resource path to the current
// context, or reattaches the caller's LTIK to an arbitrary in-tool path.
package redirect

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/launch"
)

// To implements §4.7. session is nil when no token was bound to the
// originating request, in which case the redirect is a plain pass-through.
// When isNewResource is true, the session's ContextToken.Path is updated to
// path before the redirect is issued, so that a subsequent launch into the
// same context can be routed back to it.
func To(store datastore.Store, w http.ResponseWriter, r *http.Request, session *launch.Session, path string, isNewResource bool) error {
	if session == nil {
		http.Redirect(w, r, path, http.StatusFound)
		return nil
	}

	if isNewResource {
		session.ContextToken.Path = path
		if err := store.Replace(false, datastore.CollectionContextToken, session.ContextToken.Filter(), session.ContextToken); err != nil {
			return fmt.Errorf("redirect: update context token path: %w", err)
		}
	}

	target, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("redirect: parse target path: %w", err)
	}

	q := target.Query()
	q.Set("ltik", session.LTIK)
	target.RawQuery = q.Encode()

	if target.Host == "" {
		// A bare path (no scheme/host) must keep the request's own
		// host:port so the browser isn't redirected off-origin.
		target.Scheme = schemeOf(r)
		target.Host = r.Host
	}

	http.Redirect(w, r, target.String(), http.StatusFound)

	return nil
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}

	return "http"
}
