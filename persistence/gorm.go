package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPersist stores the ledger in postgres or sqlite. Totals are computed with SUM/GROUP BY,
// a single statement being the point-in-time snapshot the leaderboard needs.
type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no dsn configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if cfg.PersistenceConfig.Type == "sqlite" {
		// sqlite allows a single writer, concurrent writes on a second connection fail with SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&types.KarmaEvent{}, &types.User{}, &types.RoomEvent{}); err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) AppendKarmaEvent(ctx context.Context, event types.KarmaEvent) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event).Error
}

func (p *GormPersist) GetKarmaTotal(ctx context.Context, userId string) (int64, error) {
	var total int64
	err := p.db.WithContext(ctx).Model(&types.KarmaEvent{}).
		Select("COALESCE(SUM(points), 0)").
		Where("user_id = ?", userId).
		Row().Scan(&total)
	return total, err
}

func (p *GormPersist) GetKarmaHistory(ctx context.Context, userId string, cursor types.HistoryCursor, limit int) ([]types.KarmaEvent, error) {
	events := make([]types.KarmaEvent, 0, limit)
	query := p.db.WithContext(ctx).Where("user_id = ?", userId)
	if !cursor.IsZero() {
		query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.Id)
	}
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].CreatedAt = events[i].CreatedAt.UTC()
	}
	return events, nil
}

func (p *GormPersist) GetKarmaTotals(ctx context.Context) ([]types.KarmaTotal, error) {
	totals := make([]types.KarmaTotal, 0)
	err := p.db.WithContext(ctx).Model(&types.KarmaEvent{}).
		Select("user_id, SUM(points) AS total").
		Group("user_id").
		Scan(&totals).Error
	return totals, err
}

func (p *GormPersist) StoreUser(ctx context.Context, user types.User) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "last_online"}),
	}).Create(&user).Error
}

func (p *GormPersist) GetUser(ctx context.Context, userId string) (types.User, error) {
	user := types.User{}
	err := p.db.WithContext(ctx).First(&user, "id = ?", userId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, types.NotFoundf("user %s", userId)
	}
	return user, err
}

func (p *GormPersist) StoreRoomEvent(ctx context.Context, event types.RoomEvent) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event).Error
}

func (p *GormPersist) GetRoomHistory(ctx context.Context, roomId string, limit int) ([]types.RoomEvent, error) {
	events := make([]types.RoomEvent, 0)
	query := p.db.WithContext(ctx).Where("room_id = ?", roomId).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	return events, err
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
