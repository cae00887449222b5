package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ahmetk3436/torid/internal/crypto"
	"github.com/ahmetk3436/torid/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// N8nCredentials is the per-install pair used by the workflow directory.
type N8nCredentials struct {
	URL    string
	APIKey string
}

// Configured reports whether both halves of the pair are present.
func (c N8nCredentials) Configured() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.APIKey) != ""
}

// SettingsStore keeps per-install settings. Values flagged as secret are
// sealed with the encryptor before they reach the database.
type SettingsStore struct {
	db        *gorm.DB
	encryptor *crypto.Encryptor
	fallback  N8nCredentials
}

func NewSettingsStore(db *gorm.DB, encryptor *crypto.Encryptor, fallback N8nCredentials) *SettingsStore {
	return &SettingsStore{db: db, encryptor: encryptor, fallback: fallback}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get setting", err)
	}
	if !setting.Encrypted {
		return setting.Value, true, nil
	}
	if s.encryptor == nil {
		return "", false, wrap("get setting", fmt.Errorf("setting %s is encrypted but no key is configured", key))
	}
	plain, err := s.encryptor.Decrypt(setting.Value)
	if err != nil {
		return "", false, wrap("decrypt setting", err)
	}
	return plain, true, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string, secret bool) error {
	setting := models.Setting{Key: key, Value: value}
	if secret && s.encryptor != nil {
		sealed, err := s.encryptor.Encrypt(value)
		if err != nil {
			return wrap("encrypt setting", err)
		}
		setting.Value = sealed
		setting.Encrypted = true
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "encrypted", "updated_at"}),
	}).Create(&setting).Error
	return wrap("set setting", err)
}

// N8nCredentials returns the stored pair, filling each missing half from the
// environment fallback.
func (s *SettingsStore) N8nCredentials(ctx context.Context) (N8nCredentials, error) {
	creds := s.fallback
	url, ok, err := s.Get(ctx, models.SettingN8nURL)
	if err != nil {
		return N8nCredentials{}, err
	}
	if ok && url != "" {
		creds.URL = url
	}
	key, ok, err := s.Get(ctx, models.SettingN8nAPIKey)
	if err != nil {
		return N8nCredentials{}, err
	}
	if ok && key != "" {
		creds.APIKey = key
	}
	return creds, nil
}

func (s *SettingsStore) SetN8nCredentials(ctx context.Context, creds N8nCredentials) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := &SettingsStore{db: tx, encryptor: s.encryptor, fallback: s.fallback}
		if err := scoped.Set(ctx, models.SettingN8nURL, strings.TrimSpace(creds.URL), false); err != nil {
			return err
		}
		if creds.APIKey == "" {
			return nil
		}
		return scoped.Set(ctx, models.SettingN8nAPIKey, creds.APIKey, true)
	})
}

// MaskSecret keeps the last four characters of a secret for display.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
