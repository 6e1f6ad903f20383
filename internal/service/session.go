package service

import (
	"context"
	"fmt"
	"time"

	"github.com/deckcloud/deckcloud/internal/catalog"
	"github.com/deckcloud/deckcloud/internal/store"
)

// StateSummary is the aggregate the UI polls on startup.
type StateSummary struct {
	Account        string                  `json:"account"`
	LoggedIn       bool                    `json:"loggedIn"`
	Settings       store.Settings          `json:"settings"`
	Catalog        catalog.Summary         `json:"catalog"`
	TaskCount      int                     `json:"taskCount"`
	ActiveTasks    int                     `json:"activeTasks"`
	InstalledGames int                     `json:"installedGames"`
	CloudSaves     []store.CloudSaveResult `json:"cloudSaves,omitempty"`
	Time           time.Time               `json:"time"`
}

// Summary builds the aggregate state snapshot.
func (s *Service) Summary() StateSummary {
	tasks := s.state.Tasks()
	active := 0
	for _, t := range tasks {
		if t.Status == store.StatusActive || t.Status == store.StatusWaiting {
			active++
		}
	}
	login := s.state.Login()
	return StateSummary{
		Account:        login.Account,
		LoggedIn:       login.Cookie != "",
		Settings:       s.state.Settings(),
		Catalog:        s.catalog.Summarize(),
		TaskCount:      len(tasks),
		ActiveTasks:    active,
		InstalledGames: len(s.state.InstalledGames()),
		CloudSaves:     s.state.CloudSaveResults(),
		Time:           time.Now(),
	}
}

// Login verifies the cookie against the account endpoint and persists it with
// the verified account name.
func (s *Service) Login(ctx context.Context, cookie string) (string, error) {
	account, err := s.resolver.VerifyAccount(ctx, cookie)
	if err != nil {
		return "", fmt.Errorf("verify account: %w", err)
	}
	if account == "" {
		return "", fmt.Errorf("cookie is not a valid session")
	}
	if err := s.state.SetLogin(cookie, account); err != nil {
		return "", fmt.Errorf("persist login: %w", err)
	}
	s.logger.Info("login verified", "account", account)
	return account, nil
}

// Settings returns the current settings.
func (s *Service) Settings() store.Settings {
	return s.state.Settings()
}

// UpdateSettings clamps and persists new settings, returning the applied
// values.
func (s *Service) UpdateSettings(settings store.Settings) (store.Settings, error) {
	return s.state.UpdateSettings(settings)
}

// Catalog returns one search page.
func (s *Service) Catalog(query string, page, pageSize int) catalog.Page {
	if pageSize <= 0 {
		pageSize = s.state.Settings().PageSize
	}
	return s.catalog.List(query, page, pageSize)
}

// UploadSaves packs a save directory into a cloud-save snapshot.
func (s *Service) UploadSaves(ctx context.Context, gameID, saveDir string) (store.CloudSaveResult, error) {
	if s.cloudSaves == nil {
		return store.CloudSaveResult{}, fmt.Errorf("cloud saves are not configured")
	}
	return s.cloudSaves.Pack(ctx, gameID, saveDir)
}

// RestoreSaves fetches a snapshot archive and unpacks it into a save
// directory.
func (s *Service) RestoreSaves(ctx context.Context, archiveURL, saveDir string) (store.CloudSaveResult, error) {
	if s.cloudSaves == nil {
		return store.CloudSaveResult{}, fmt.Errorf("cloud saves are not configured")
	}
	return s.cloudSaves.Restore(ctx, archiveURL, saveDir)
}

// InstallHistory lists recent install runs from the ledger, newest first.
func (s *Service) InstallHistory(gameID string, limit int) ([]store.InstallRun, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListInstallRuns(gameID, limit)
}
