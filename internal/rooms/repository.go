package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pairprog/internal/models"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrIDCollision  = errors.New("room id collision")
)

// RoomRepository is the durable room directory: room id -> latest snapshot.
type RoomRepository struct {
	DB *gorm.DB

	// NewID generates candidate room ids; defaults to the first 8 chars of a UUID.
	NewID func() string
}

func NewRoomRepository(db *gorm.DB) *RoomRepository {
	return &RoomRepository{DB: db, NewID: shortID}
}

func shortID() string { return uuid.NewString()[:8] }

// Create inserts a room under a fresh id. A colliding id is regenerated once;
// a second collision is reported as ErrIDCollision.
func (r *RoomRepository) Create(ctx context.Context) (*models.Room, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room := &models.Room{RoomID: r.NewID(), Code: models.DefaultCreatedCode}
		res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(room)
		if res.Error != nil {
			return nil, fmt.Errorf("create room: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return room, nil
		}
	}
	return nil, ErrIDCollision
}

func (r *RoomRepository) Get(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := r.DB.WithContext(ctx).First(&room, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return &room, nil
}

// GetOrCreate fetches roomID, creating it with the default snapshot when unknown.
// Concurrent callers for the same unknown id all observe the same row.
func (r *RoomRepository) GetOrCreate(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := r.Get(ctx, roomID)
	if err == nil || !errors.Is(err, ErrRoomNotFound) {
		return room, err
	}

	seed := &models.Room{RoomID: roomID, Code: models.DefaultLazyCode}
	if err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}
	return r.Get(ctx, roomID)
}

// SaveSnapshot stores code as the room's latest snapshot. Saving to an unknown
// id creates the room, matching the lazy creation of GetOrCreate.
func (r *RoomRepository) SaveSnapshot(ctx context.Context, roomID, code string) error {
	room := &models.Room{RoomID: roomID, Code: code}
	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "updated_at"}),
	}).Create(room).Error
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", roomID, err)
	}
	return nil
}
