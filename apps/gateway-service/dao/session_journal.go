package dao

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/database"
)

const sessionCollection = "gateway_sessions"

// mongoSessionJournal 会话日志的 MongoDB 实现
type mongoSessionJournal struct {
	coll *mongo.Collection
}

// NewSessionJournal 创建会话日志，db 为 nil 时返回空实现
func NewSessionJournal(ctx context.Context, db *database.MongoDB) (SessionJournal, error) {
	if db == nil {
		return nopSessionJournal{}, nil
	}

	coll := db.GetCollection(sessionCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "connection_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "connected_at", Value: -1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session indexes: %w", err)
	}

	return &mongoSessionJournal{coll: coll}, nil
}

// RecordOpen 记录连接建立
func (j *mongoSessionJournal) RecordOpen(ctx context.Context, record *model.SessionRecord) error {
	if _, err := j.coll.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to record session open: %w", err)
	}
	return nil
}

// RecordIdentify 记录握手成功
func (j *mongoSessionJournal) RecordIdentify(ctx context.Context, connectionID, userID string) error {
	update := bson.M{"$set": bson.M{
		"user_id":       userID,
		"identified_at": time.Now().UTC(),
	}}
	if _, err := j.coll.UpdateOne(ctx, bson.M{"connection_id": connectionID}, update); err != nil {
		return fmt.Errorf("failed to record session identify: %w", err)
	}
	return nil
}

// RecordClose 记录连接关闭及原因
func (j *mongoSessionJournal) RecordClose(ctx context.Context, connectionID, reason string) error {
	update := bson.M{"$set": bson.M{
		"closed_at":    time.Now().UTC(),
		"close_reason": reason,
	}}
	if _, err := j.coll.UpdateOne(ctx, bson.M{"connection_id": connectionID}, update); err != nil {
		return fmt.Errorf("failed to record session close: %w", err)
	}
	return nil
}

// NopSessionJournal 不记录任何内容的会话日志
var NopSessionJournal SessionJournal = nopSessionJournal{}

type nopSessionJournal struct{}

func (nopSessionJournal) RecordOpen(context.Context, *model.SessionRecord) error { return nil }
func (nopSessionJournal) RecordIdentify(context.Context, string, string) error   { return nil }
func (nopSessionJournal) RecordClose(context.Context, string, string) error      { return nil }
