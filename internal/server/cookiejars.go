package server

import (
	"net/http"
	"net/http/cookiejar"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// cookieJarStore keeps one jar per session so the capture and the resource
// fetches of a page share cookies.
type cookieJarStore struct {
	mu   sync.Mutex
	jars map[string]http.CookieJar
}

func newCookieJarStore() *cookieJarStore {
	return &cookieJarStore{jars: make(map[string]http.CookieJar)}
}

func (s *cookieJarStore) Get(key string) http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jar, ok := s.jars[key]; ok {
		return jar
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	s.jars[key] = jar
	return jar
}

func (s *cookieJarStore) Drop(key string) {
	s.mu.Lock()
	delete(s.jars, key)
	s.mu.Unlock()
}
