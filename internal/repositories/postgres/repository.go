package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/veritest/cbt-service/internal/repositories"
)

type gormRepository struct {
	db      *gorm.DB
	test    repositories.TestRepository
	attempt repositories.AttemptRepository
	answer  repositories.AnswerRepository
	user    repositories.UserRepository
}

func NewRepository(db *gorm.DB) repositories.Repository {
	return &gormRepository{
		db:      db,
		test:    NewTestPostgreSQL(db),
		attempt: NewAttemptPostgreSQL(db),
		answer:  NewAnswerPostgreSQL(db),
		user:    NewUserPostgreSQL(db),
	}
}

func (r *gormRepository) Test() repositories.TestRepository       { return r.test }
func (r *gormRepository) Attempt() repositories.AttemptRepository { return r.attempt }
func (r *gormRepository) Answer() repositories.AnswerRepository   { return r.answer }
func (r *gormRepository) User() repositories.UserRepository       { return r.user }

func (r *gormRepository) WithTx(ctx context.Context, fn func(repositories.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepository(tx))
	})
}
