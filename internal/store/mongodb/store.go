package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jobwatch/notifier/internal/envelope"
	"github.com/jobwatch/notifier/internal/ierr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type notificationDocument struct {
	Id         bson.ObjectID     `bson:"_id"`
	UserId     string            `bson:"userId"`
	Type       string            `bson:"type"`
	Priority   envelope.Priority `bson:"priority"`
	Title      string            `bson:"title"`
	Message    string            `bson:"message"`
	Data       string            `bson:"data,omitempty"`
	ActionUrl  string            `bson:"actionUrl,omitempty"`
	IsRead     bool              `bson:"isRead"`
	CreateTime time.Time         `bson:"createTime"`
	ExpireTime *time.Time        `bson:"expireTime,omitempty"`
}

type NotificationStore struct {
	collection *mongo.Collection
}

func NewNotificationStore(client *mongo.Client) *NotificationStore {
	database := client.Database("notifier")
	collection := database.Collection("notifications")

	return &NotificationStore{
		collection,
	}
}

func (s *NotificationStore) Setup(ctx context.Context) error {
	expiryIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "expireTime", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}

	userIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "userId", Value: 1},
			{Key: "_id", Value: -1},
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{expiryIndexModel, userIndexModel})

	return err
}

func (s *NotificationStore) Get(ctx context.Context, notificationId string) (envelope.Notification, error) {
	objectId, err := bson.ObjectIDFromHex(notificationId)
	if err != nil {
		return envelope.Notification{}, ierr.New(ierr.ErrorCodeNotFound, errors.New("invalid notification id"))
	}

	var document notificationDocument
	err = s.collection.FindOne(ctx, bson.M{"_id": objectId}).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return envelope.Notification{}, ierr.New(ierr.ErrorCodeNotFound, errors.New("notification not found"))
	}
	if err != nil {
		return envelope.Notification{}, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return document.toNotification()
}

func (s *NotificationStore) MarkRead(ctx context.Context, userId string, notificationId string) (bool, error) {
	objectId, err := bson.ObjectIDFromHex(notificationId)
	if err != nil {
		return false, nil
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{
			"_id":    objectId,
			"userId": userId,
			"isRead": false,
		},
		bson.M{
			"$set": bson.M{"isRead": true},
		})
	if err != nil {
		return false, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return result.ModifiedCount > 0, nil
}

func (d notificationDocument) toNotification() (envelope.Notification, error) {
	var data map[string]any
	if d.Data != "" {
		if err := json.Unmarshal([]byte(d.Data), &data); err != nil {
			return envelope.Notification{}, err
		}
	}

	return envelope.Notification{
		Id:         d.Id.Hex(),
		Type:       d.Type,
		Priority:   d.Priority,
		Title:      d.Title,
		Message:    d.Message,
		Data:       data,
		ActionUrl:  d.ActionUrl,
		IsRead:     d.IsRead,
		CreateTime: d.CreateTime,
		ExpireTime: d.ExpireTime,
	}, nil
}
