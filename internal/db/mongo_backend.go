package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

type conversationDocument struct {
	User          string                `bson:"_id"`
	Conversations []models.Conversation `bson:"conversations"`
	UpdatedAt     time.Time             `bson:"updated_at"`
}

// MongoConversationBackend keeps one document per user holding the whole
// ordered collection, so every Save is a single atomic replace.
type MongoConversationBackend struct {
	coll *mongo.Collection
}

func NewMongoConversationBackend(m *Mongo) *MongoConversationBackend {
	return &MongoConversationBackend{coll: m.Conversations}
}

func (b *MongoConversationBackend) Load(ctx context.Context, user string) ([]models.Conversation, error) {
	var doc conversationDocument
	err := b.coll.FindOne(ctx, bson.M{"_id": user}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: load conversations: %w", err)
	}
	return doc.Conversations, nil
}

func (b *MongoConversationBackend) Save(ctx context.Context, user string, convs []models.Conversation) error {
	if convs == nil {
		convs = []models.Conversation{}
	}

	doc := conversationDocument{
		User:          user,
		Conversations: convs,
		UpdatedAt:     time.Now().UTC(),
	}

	_, err := b.coll.ReplaceOne(ctx, bson.M{"_id": user}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save conversations: %w", err)
	}
	return nil
}
