package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sessionRow struct {
	ID        string    `gorm:"type:text;primaryKey"`
	OwnerID   string    `gorm:"type:text;not null;index:idx_debate_session_owner,priority:1"`
	Kind      string    `gorm:"type:text;not null;index:idx_debate_session_owner,priority:2"`
	Status    string    `gorm:"type:text;not null;index:idx_debate_session_owner,priority:3;index:idx_debate_session_idle,priority:1"`
	Topic     string    `gorm:"type:text;not null;default:''"`
	PersonaID string    `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false;index:idx_debate_session_idle,priority:2"`
}

func (sessionRow) TableName() string { return "debate_session" }

type messageRow struct {
	ID         string            `gorm:"type:text;primaryKey"`
	SessionID  string            `gorm:"type:text;not null;index:idx_debate_message_order,priority:1"`
	SenderRole string            `gorm:"type:text;not null"`
	SenderID   *string           `gorm:"type:text"`
	Content    string            `gorm:"type:text;not null;default:''"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	// RespondingTo mirrors metadata.responding_to for AI replies so a partial
	// unique index can reject a second reply to the same user message.
	RespondingTo *string   `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false;index:idx_debate_message_order,priority:2"`

	// Session ties rows to their session so a delete cascades and an insert
	// into a removed session fails.
	Session *sessionRow `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE"`
}

func (messageRow) TableName() string { return "debate_message" }

// PostgresStore implements Repository on a hosted Postgres database through gorm.
type PostgresStore struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewPostgres connects, migrates and returns a Postgres-backed repository.
func NewPostgres(dsn string, log *slog.Logger) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{db: db, log: log.With("store", "postgres"), now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	s.log.Info("Auto migrating postgres tables")
	if err := s.db.AutoMigrate(&sessionRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_debate_message_one_reply
		ON debate_message (session_id, responding_to)
		WHERE responding_to IS NOT NULL
	`).Error; err != nil {
		return fmt.Errorf("create reply uniqueness index: %w", err)
	}
	return nil
}

func (s *PostgresStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// InsertMessage appends a message to a session's log.
func (s *PostgresStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	row := messageRow{
		ID:         id.String(),
		SessionID:  in.SessionID,
		SenderRole: string(in.SenderRole),
		SenderID:   in.SenderID,
		Content:    in.Content,
		Metadata:   datatypes.JSONMap(meta),
		CreatedAt:  s.stamp(),
	}
	if in.SenderRole == domain.RoleAI {
		if tag := domain.MetaString(meta, domain.MetaRespondingTo); tag != "" {
			row.RespondingTo = &tag
		}
	}

	if err := s.db.WithContext(ctx).Omit("Session").Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, shared.E(shared.KindConflict, "insert message", err)
		}
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil, shared.E(shared.KindNotFound, "insert message", err)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return row.toDomain(), nil
}

// ListMessages returns a slice of a session's log ordered by (created_at, id).
func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]*domain.Message, error) {
	tx := s.db.WithContext(ctx).Model(&messageRow{}).Where("session_id = ?", q.SessionID)
	if q.Before != nil {
		ts := q.Before.CreatedAt.UTC()
		if q.Before.ID == "" {
			tx = tx.Where("created_at < ?", ts)
		} else {
			tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", ts, ts, q.Before.ID)
		}
	}
	if q.Order == Descending {
		tx = tx.Order("created_at DESC").Order("id DESC")
	} else {
		tx = tx.Order("created_at ASC").Order("id ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []messageRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (r *messageRow) toDomain() *domain.Message {
	m := &domain.Message{
		ID:         r.ID,
		SessionID:  r.SessionID,
		SenderRole: domain.SenderRole(r.SenderRole),
		SenderID:   r.SenderID,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		m.Metadata = map[string]any(r.Metadata)
	}
	return m
}

func (r *sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Kind:      domain.SessionKind(r.Kind),
		Status:    domain.SessionStatus(r.Status),
		Topic:     r.Topic,
		PersonaID: r.PersonaID,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// CreateSession persists a new session record.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = domain.SessionActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.stamp()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	row := sessionRow{
		ID:        sess.ID,
		OwnerID:   sess.OwnerID,
		Kind:      string(sess.Kind),
		Status:    string(sess.Status),
		Topic:     sess.Topic,
		PersonaID: sess.PersonaID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Omit("Session").Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.E(shared.KindConflict, "create session", err)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toDomain(), nil
}

// ListActiveSessions returns the owner's active sessions of a kind.
func (s *PostgresStore) ListActiveSessions(ctx context.Context, ownerID string, kind domain.SessionKind) ([]*domain.Session, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND kind = ? AND status = ?", ownerID, string(kind), string(domain.SessionActive)).
		Order("updated_at DESC").Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessionsToDomain(rows), nil
}

// ListIdleSessions returns active sessions whose last update is older than before.
func (s *PostgresStore) ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(domain.SessionActive), before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	return sessionsToDomain(rows), nil
}

func sessionsToDomain(rows []sessionRow) []*domain.Session {
	out := make([]*domain.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

// UpdateSessionStatus moves a session between statuses (compare-and-set on from).
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": gorm.Expr("GREATEST(updated_at, ?)", s.stamp()),
		})
	if res.Error != nil {
		return false, fmt.Errorf("update session status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TouchSession bumps updated_at without ever moving it backwards.
func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", id).
		Update("updated_at", gorm.Expr("GREATEST(updated_at, ?)", at.UTC())).Error
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes an owner's session together with its messages.
func (s *PostgresStore) DeleteSession(ctx context.Context, id, ownerID string) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&sessionRow{}).Select("id").Where("id = ? AND owner_id = ?", id, ownerID)
		if err := tx.Where("session_id IN (?)", owned).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&sessionRow{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return removed, nil
}

var _ Repository = (*PostgresStore)(nil)
