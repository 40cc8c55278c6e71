package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/webhook"
)

// DynamoDB key constants.
const (
	pkPrefix   = "JOB#"
	skDelivery = "DELIVERY#"
)

// DynamoStore implements DeadLetterStore using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
	bodies    BodyStore
	now       func() time.Time
}

// Compile-time interface checks.
var (
	_ DeadLetterStore    = (*DynamoStore)(nil)
	_ webhook.DeadLetter = (*DynamoStore)(nil)
)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// WithBodyStore keeps bodies larger than MaxItemBody in b.
func (s *DynamoStore) WithBodyStore(b BodyStore) *DynamoStore {
	s.bodies = b
	return s
}

// TableName returns the backing table.
func (s *DynamoStore) TableName() string { return s.tableName }

func jobPK(jobID string) string {
	return pkPrefix + jobID
}

func (s *DynamoStore) expiresAt() int64 {
	return s.now().Add(DeadLetterTTL).Unix()
}

// putItem marshals a record and writes it with PK, SK, and TTL.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// RecordDelivery writes a failed delivery.
func (s *DynamoStore) RecordDelivery(ctx context.Context, d webhook.Delivery) error {
	if d.JobID == "" || d.ID == "" {
		return fmt.Errorf("record delivery: job id and delivery id are required")
	}
	if len(d.Body) > MaxItemBody {
		d = s.offloadBody(ctx, d)
	}
	if err := s.putItem(ctx, jobPK(d.JobID), skDelivery+d.ID, d); err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", d.JobID, d.ID, err)
	}

	log.Info().
		Str("job", d.JobID).
		Str("delivery", d.ID).
		Int("attempts", d.Attempts).
		Str("table", s.tableName).
		Str("bodyKey", d.BodyKey).
		Bool("bodyTruncated", d.BodyTruncated).
		Msg("Webhook delivery dead-lettered")
	return nil
}

// offloadBody moves an oversized body to the BodyStore, or drops it and marks
// the record truncated when there is none or the upload fails.
func (s *DynamoStore) offloadBody(ctx context.Context, d webhook.Delivery) webhook.Delivery {
	size := len(d.Body)
	body := d.Body
	d.Body = nil

	if s.bodies == nil {
		log.Warn().Str("job", d.JobID).Str("delivery", d.ID).Int("bytes", size).
			Msg("Dead letter body exceeds the item limit and no body bucket is configured; body dropped")
		d.BodyTruncated = true
		return d
	}

	key := BodyKey(d.JobID, d.ID)
	contentType := "application/json"
	if d.Gzipped {
		contentType = "application/gzip"
	}
	if err := s.bodies.Put(ctx, key, contentType, body); err != nil {
		log.Error().Err(err).Str("job", d.JobID).Str("delivery", d.ID).Int("bytes", size).
			Msg("Failed to store dead letter body; body dropped")
		d.BodyTruncated = true
		return d
	}
	d.BodyKey = key
	return d
}

// LoadBody fetches a body kept outside its record.
func (s *DynamoStore) LoadBody(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error) {
	if len(d.Body) > 0 || d.BodyKey == "" {
		return d, nil
	}
	if s.bodies == nil {
		return d, fmt.Errorf("delivery %s body is stored at %s but no body bucket is configured", d.ID, d.BodyKey)
	}
	body, err := s.bodies.Get(ctx, d.BodyKey)
	if err != nil {
		return d, fmt.Errorf("load body of delivery %s: %w", d.ID, err)
	}
	d.Body = body
	return d, nil
}

// ListDeliveries queries every DELIVERY# record of a job, following pagination.
func (s *DynamoStore) ListDeliveries(ctx context.Context, jobID string) ([]webhook.Delivery, error) {
	pk := jobPK(jobID)
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skDelivery},
		},
	}

	deliveries := []webhook.Delivery{}
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		for _, item := range result.Items {
			var d webhook.Delivery
			if err := attributevalue.UnmarshalMap(item, &d); err != nil {
				return nil, fmt.Errorf("unmarshal delivery for %s: %w", jobID, err)
			}
			if d.ID == "" {
				if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
					d.ID = strings.TrimPrefix(sk.Value, skDelivery)
				}
			}
			deliveries = append(deliveries, d)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return deliveries, nil
}

// DeleteDelivery removes one dead-letter record.
func (s *DynamoStore) DeleteDelivery(ctx context.Context, jobID, deliveryID string) error {
	pk, sk := jobPK(jobID), skDelivery+deliveryID
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}

	if s.bodies != nil {
		// Deleting a key that was never written is not an error in S3.
		if err := s.bodies.Delete(ctx, BodyKey(jobID, deliveryID)); err != nil {
			return fmt.Errorf("delete body of delivery %s: %w", deliveryID, err)
		}
	}

	log.Debug().Str("job", jobID).Str("delivery", deliveryID).Msg("Dead letter removed")
	return nil
}
