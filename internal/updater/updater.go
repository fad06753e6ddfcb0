// Package updater answers client version/update-check queries with the
// current release info and a cached, language-keyed changelog.
package updater

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Info is the update payload handed back to clients.
type Info struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog"`
	Level     int    `json:"level"`
	URL       string `json:"url"`
}

// Config describes the current release.
type Config struct {
	Version string
	// Level grades how urgent the update is; clients above 0 nag harder.
	Level int
	// URLs maps platform keys ("windows", "mac") to download locations.
	URLs map[string]string
	// ChangelogDir holds one "<language>.txt" file per language.
	ChangelogDir string
}

// Service caches changelog files per language and assembles update
// replies.
type Service struct {
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	cache map[string]string
}

// NewService creates the updater service.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:   cfg,
		log:   logrus.WithField("component", "updater"),
		cache: make(map[string]string),
	}
}

// Check builds the update info for a client. Unknown languages fall back
// to English, unknown platforms to Windows.
func (s *Service) Check(language, platform string) Info {
	changelog, err := s.changelog(normalizeLanguage(language))
	if err != nil {
		// A missing changelog should not fail the version check.
		s.log.WithError(err).Warn("Failed to read changelog")
		changelog = ""
	}
	return Info{
		Version:   s.cfg.Version,
		Changelog: changelog,
		Level:     s.cfg.Level,
		URL:       s.downloadURL(platform),
	}
}

func (s *Service) changelog(language string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[language]; ok {
		return cached, nil
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.ChangelogDir, language+".txt"))
	if err != nil {
		return "", err
	}
	s.cache[language] = string(data)
	return s.cache[language], nil
}

func (s *Service) downloadURL(platform string) string {
	switch strings.ToLower(platform) {
	case "mac":
		if url, ok := s.cfg.URLs["mac"]; ok {
			return url
		}
	case "windows", "windows x86", "windows x64":
		// all Windows flavors share one build
	}
	return s.cfg.URLs["windows"]
}

func normalizeLanguage(language string) string {
	language = strings.ToLower(language)
	if language == "" {
		return "en"
	}
	return language
}
