package postgres

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

var (
	_ ports.UserRepository      = (*UserRepository)(nil)
	_ ports.AuthTokenRepository = (*AuthTokenRepository)(nil)
)

type UserRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewUserRepository(db *gorm.DB, log *zap.Logger) *UserRepository {
	return &UserRepository{db: db, log: log}
}

func (r *UserRepository) Save(ctx context.Context, u *domain.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *UserRepository) Update(ctx context.Context, u *domain.User) error {
	return r.db.WithContext(ctx).Omit("Roles").Save(u).Error
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	now := time.Now()
	return scoped(ctx, r.db).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"deleted": true, "deleted_at": now, "active": false}).Error
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, "username = ?", username)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, "email = ?", email)
}

func (r *UserRepository) findOne(ctx context.Context, query string, arg interface{}) (*domain.User, error) {
	var u domain.User
	err := scoped(ctx, r.db).
		Preload("Roles.Permissions").
		Where("deleted = false").
		First(&u, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.User, int64, error) {
	q := scoped(ctx, r.db).Model(&domain.User{}).Where("deleted = false")

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var users []domain.User
	err := q.Preload("Roles").
		Order("username").
		Limit(limit).
		Offset(offset).
		Find(&users).Error
	return users, total, err
}

// AuthTokenRepository persists charging credentials (idTags).
type AuthTokenRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAuthTokenRepository(db *gorm.DB, log *zap.Logger) *AuthTokenRepository {
	return &AuthTokenRepository{db: db, log: log}
}

func (r *AuthTokenRepository) Save(ctx context.Context, t *domain.AuthToken) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *AuthTokenRepository) Update(ctx context.Context, t *domain.AuthToken) error {
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *AuthTokenRepository) FindByValue(ctx context.Context, value string) (*domain.AuthToken, error) {
	var t domain.AuthToken
	err := scoped(ctx, r.db).
		Where("deleted = false").
		First(&t, "token_value = ?", value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *AuthTokenRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.AuthToken, int64, error) {
	q := scoped(ctx, r.db).Model(&domain.AuthToken{}).Where("deleted = false")

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tokens []domain.AuthToken
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&tokens).Error
	return tokens, total, err
}
