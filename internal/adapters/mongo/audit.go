package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const AuditCollection = "audit_logs"

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection(AuditCollection),
		logger: logger,
	}
}

// AuditLog is one seating event as stored in the audit trail. The event id
// is the document id, so a redelivered event is stored once.
type AuditLog struct {
	ID          string    `bson:"_id"`
	Action      string    `bson:"action"`
	AggregateID string    `bson:"aggregate_id"`
	HolderID    string    `bson:"holder_id,omitempty"`
	ShowID      string    `bson:"show_id,omitempty"`
	Timestamp   time.Time `bson:"timestamp"`
	RecordedAt  time.Time `bson:"recorded_at"`
	Data        bson.M    `bson:"data"`
}

// NewAuditLog builds the audit document for an event.
func NewAuditLog(ev domain.Event, recordedAt time.Time) (AuditLog, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(ev.Payload, &data); err != nil {
		return AuditLog{}, errors.Mark(errors.Wrapf(err, "decode %s payload", ev.Type), domain.ErrInvalidInput)
	}
	log := AuditLog{
		ID:          ev.ID.String(),
		Action:      ev.Type,
		AggregateID: ev.AggregateID.String(),
		Timestamp:   ev.OccurredAt.UTC(),
		RecordedAt:  recordedAt.UTC(),
		Data:        bson.M(data),
	}
	if v, ok := data["holder_id"].(string); ok {
		log.HolderID = v
	}
	if v, ok := data["show_id"].(string); ok {
		log.ShowID = v
	}
	return log, nil
}

// EnsureIndexes creates the lookup indexes used to trace a holder or show.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "show_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "holder_id", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	return err
}

func (a *AuditLogger) LogEvent(ctx context.Context, ev domain.Event) error {
	log, err := NewAuditLog(ev, time.Now())
	if err != nil {
		return err
	}
	_, err = a.coll.InsertOne(ctx, log)
	if mongo.IsDuplicateKeyError(err) {
		a.logger.WithField("event_id", log.ID).Debug("audit log already recorded")
		return nil
	}
	if err != nil {
		a.logger.WithError(err).Error("failed to insert audit log")
		return err
	}
	return nil
}
