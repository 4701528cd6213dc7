// Package store 保存命名的会话参数（profile）
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
)

const ProfileCollectionName = "profiles"

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrNameEmpty       = errors.New("profile name is empty")
)

type Profile struct {
	Name      string          `bson:"name" json:"name"`
	Options   session.Options `bson:"options" json:"options"`
	UpdatedAt time.Time       `bson:"updated_at" json:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, name string) (*Profile, error)
	Save(ctx context.Context, name string, options session.Options) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Profile, error)
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameEmpty
	}
	return name, nil
}

func (p Profile) clone() *Profile {
	return &Profile{Name: p.Name, Options: p.Options.Clone(), UpdatedAt: p.UpdatedAt}
}
