package server

import (
	"bytes"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v3"
)

// SiteConfig overrides capture settings for one host and its subdomains.
type SiteConfig struct {
	Mode    string            `yaml:"mode"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type siteConfigStore struct {
	dir   string
	log   *zap.Logger
	mu    sync.RWMutex
	cache map[string]*SiteConfig
}

func newSiteConfigStore(dir string, log *zap.Logger) *siteConfigStore {
	return &siteConfigStore{
		dir:   dir,
		log:   log,
		cache: make(map[string]*SiteConfig),
	}
}

// Find returns the configuration of the most specific host suffix of target
// that has a file in the sites directory: www.example.com, then example.com,
// then com.
func (s *siteConfigStore) Find(target string) *SiteConfig {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	s.mu.RLock()
	if cfg, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	var found *SiteConfig
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels) && found == nil; i++ {
		found = s.load(strings.Join(labels[i:], "."))
	}
	s.mu.Lock()
	s.cache[host] = found
	s.mu.Unlock()
	return found
}

func (s *siteConfigStore) load(host string) *SiteConfig {
	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, host+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("Unable to read site configuration", zap.String("file", path), zap.Error(err))
		}
		return nil
	}
	var cfg SiteConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		s.log.Warn("Bad site configuration", zap.String("file", path), zap.Error(err))
		return nil
	}
	cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
	return &cfg
}
