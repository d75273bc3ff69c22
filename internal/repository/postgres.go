// Package repository содержит реализацию доступа к данным в PostgreSQL.
// Все межсущностные инварианты обеспечиваются условными записями внутри
// транзакций; разделяемых блокировок в памяти нет.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/invitaly/publication-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrDraftNotFound возвращается, если черновик не найден.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrSessionNotFound возвращается, если сессия оплаты не найдена.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrSlugTaken возвращается, когда слаг занят другой публикацией или удержанием.
	// Ошибка отличима от остальных, чтобы вызывающий мог предложить повтор с новым слагом.
	ErrSlugTaken = errors.New("slug already taken")
	// ErrPublicationNotFound возвращается, если живая публикация не найдена.
	ErrPublicationNotFound = errors.New("publication not found")
	// ErrPublicationTrashed возвращается при попытке обновить публикацию в корзине.
	ErrPublicationTrashed = errors.New("publication is in trash")
	// ErrWrongDraft возвращается, если публикация слага принадлежит другому черновику.
	ErrWrongDraft = errors.New("publication belongs to another draft")
	// ErrCodeExists возвращается при создании промокода с существующим кодом.
	ErrCodeExists = errors.New("discount code already exists")
	// ErrCodeNotFound возвращается, если промокод не найден.
	ErrCodeNotFound = errors.New("discount code not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сбоях сериализации, дедлоках и сетевых ошибках.
// Ошибки бизнес-логики не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, is_admin, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, is_admin, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetDraft возвращает черновик со сводкой жизненного цикла публикации.
// Черновики, импортированные из старой системы, несут снимок публикации
// внутри документа при пустых канонических колонках; снимок нормализуется
// на границе чтения.
func (r *PostgresRepository) GetDraft(ctx context.Context, id int64) (*model.Draft, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, content, public_slug, pub_state,
		        pub_first_published_at, pub_last_published_at, pub_expires_at
		 FROM drafts WHERE id = $1`,
		id,
	)

	var d model.Draft
	err := row.Scan(&d.ID, &d.UserID, &d.Content, &d.PublicSlug, &d.PubState,
		&d.PubFirstPublishedAt, &d.PubLastPublishedAt, &d.PubExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDraftNotFound
		}
		return nil, fmt.Errorf("get draft: %w", err)
	}

	if d.PublicSlug == nil {
		normalizeLegacyDraft(&d)
	}

	return &d, nil
}

// normalizeLegacyDraft сводит устаревший снимок публикации из документа
// черновика (поле published_at вместо first_published_at) к каноническим
// полям сводки. Нечитаемый или отсутствующий снимок молча игнорируется.
func normalizeLegacyDraft(d *model.Draft) {
	var doc struct {
		Publication json.RawMessage `json:"publication"`
	}
	if err := json.Unmarshal(d.Content, &doc); err != nil || len(doc.Publication) == 0 {
		return
	}

	slug, first, expires, err := model.NormalizeLegacyPublication(doc.Publication)
	if err != nil || slug == "" {
		return
	}

	d.PublicSlug = &slug
	d.PubFirstPublishedAt = first
	d.PubExpiresAt = expires
}
