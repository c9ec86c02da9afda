package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/morphlab/adapt/internal/config"
)

// Fixed-width timestamp so sort-key strings order chronologically.
const eventTSFormat = "2006-01-02T15:04:05.000000000Z"

const eventTTL = 90 * 24 * time.Hour

// DynamoStore is the production backend: a single DynamoDB table keyed
// by PK/SK, with retired variant markup optionally spilled to S3.
type DynamoStore struct {
	client   *dynamodb.Client
	table    string
	archiver *Archiver
	seq      atomic.Int64 // tie-break for same-timestamp events
}

// NewDynamoStore builds the typed single-table client. A non-empty
// endpoint switches to DynamoDB Local with static credentials.
func NewDynamoStore(ctx context.Context, cfg config.StorageConfig) (*DynamoStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := &DynamoStore{client: client, table: cfg.Table}
	if cfg.ArchiveBucket != "" {
		s.archiver = NewArchiver(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket)
	}
	return s, nil
}

// Key builders. One table holds every collection.

func bizPK(businessID string) string  { return "BIZ#" + businessID }
func apiKeyPK(apiKey string) string   { return "APIKEY#" + apiKey }
func guidPK(globalUID string) string  { return "GUID#" + globalUID }
func userSK(userID string) string     { return "USER#" + userID }
func agreementSK(id string) string    { return "AGR#" + id }
func variantSK(key VariantKey) string { return "VAR#" + key.UserID + "#" + key.ComponentID }

func eventPK(businessID, userID string) string {
	return "EV#" + businessID + "#" + userID
}

func (d *DynamoStore) eventSK(ts time.Time) string {
	return fmt.Sprintf("TS#%s#%012d", ts.UTC().Format(eventTSFormat), d.seq.Add(1))
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// mapDynamoErr folds conditional failures into ErrConflict; anything
// else stays transient and is handled by withRetry.
func mapDynamoErr(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConflict
	}
	return err
}

type businessRow struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Business
}

type apiKeyRow struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	BusinessID string `dynamodbav:"business_id"`
}

type globalUserRow struct {
	PK           string    `dynamodbav:"PK"`
	SK           string    `dynamodbav:"SK"`
	GlobalUID    string    `dynamodbav:"global_uid"`
	BusinessUIDs []string  `dynamodbav:"business_uids,stringset,omitempty"`
	CreatedAt    time.Time `dynamodbav:"created_at"`
	UpdatedAt    time.Time `dynamodbav:"updated_at"`
}

type userRow struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	User
}

type eventRow struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Event
	TTL int64 `dynamodbav:"TTL"`
}

type variantRow struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	VariantRecord
}

type agreementRow struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Agreement
}

func (d *DynamoStore) putItem(ctx context.Context, op string, item interface{}) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("%s: marshaling item: %w", op, err)
	}
	return withRetry(ctx, op, func() error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      av,
		})
		return err
	})
}

func (d *DynamoStore) getItem(ctx context.Context, op, pk, sk string, out interface{}) error {
	var item map[string]types.AttributeValue
	err := withRetry(ctx, op, func() error {
		res, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(d.table),
			Key:       itemKey(pk, sk),
		})
		if err != nil {
			return err
		}
		item = res.Item
		return nil
	})
	if err != nil {
		return err
	}
	if len(item) == 0 {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(item, out); err != nil {
		return fmt.Errorf("%s: unmarshaling item: %w", op, err)
	}
	return nil
}

// PutBusiness writes the tenant row plus its api-key lookup row.
func (d *DynamoStore) PutBusiness(ctx context.Context, b *Business) error {
	if err := d.putItem(ctx, "put business", businessRow{PK: bizPK(b.BusinessID), SK: "META", Business: *b}); err != nil {
		return err
	}
	return d.putItem(ctx, "put api key", apiKeyRow{PK: apiKeyPK(b.APIKey), SK: "META", BusinessID: b.BusinessID})
}

// GetBusiness returns a tenant by id.
func (d *DynamoStore) GetBusiness(ctx context.Context, businessID string) (*Business, error) {
	var row businessRow
	if err := d.getItem(ctx, "get business", bizPK(businessID), "META", &row); err != nil {
		return nil, err
	}
	return &row.Business, nil
}

// GetBusinessByAPIKey resolves the lookup row, then the tenant.
func (d *DynamoStore) GetBusinessByAPIKey(ctx context.Context, apiKey string) (*Business, error) {
	var row apiKeyRow
	if err := d.getItem(ctx, "get api key", apiKeyPK(apiKey), "META", &row); err != nil {
		return nil, err
	}
	return d.GetBusiness(ctx, row.BusinessID)
}

// ConsumeQuota charges n events for the month in a single conditional
// update, with a second attempt handling the month rollover.
func (d *DynamoStore) ConsumeQuota(ctx context.Context, businessID string, n int64, month string) (int64, error) {
	b, err := d.GetBusiness(ctx, businessID)
	if err != nil {
		return 0, err
	}

	key := itemKey(bizPK(businessID), "META")
	var used int64

	charge := func(update, condition string, values map[string]types.AttributeValue) error {
		return withRetry(ctx, "consume quota", func() error {
			res, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                 aws.String(d.table),
				Key:                       key,
				UpdateExpression:          aws.String(update),
				ConditionExpression:       aws.String(condition),
				ExpressionAttributeValues: values,
				ReturnValues:              types.ReturnValueUpdatedNew,
			})
			if err != nil {
				return mapDynamoErr(err)
			}
			var out struct {
				MonthlyEventsUsed int64 `dynamodbav:"monthly_events_used"`
			}
			if err := attributevalue.UnmarshalMap(res.Attributes, &out); err == nil {
				used = out.MonthlyEventsUsed
			}
			return nil
		})
	}

	if b.MonthlyEventLimit < 0 {
		err := charge(
			"ADD monthly_events_used :n SET usage_month = :m",
			"attribute_exists(PK)",
			map[string]types.AttributeValue{
				":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)},
				":m": &types.AttributeValueMemberS{Value: month},
			})
		return used, err
	}

	// Same month: only charge while the remainder covers n.
	err = charge(
		"ADD monthly_events_used :n",
		"usage_month = :m AND monthly_events_used <= :rem",
		map[string]types.AttributeValue{
			":n":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)},
			":m":   &types.AttributeValueMemberS{Value: month},
			":rem": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", b.MonthlyEventLimit-n)},
		})
	if err == nil {
		return used, nil
	}
	if !errors.Is(err, ErrConflict) {
		return 0, err
	}

	// Month rolled over: reset the counter to this charge.
	err = charge(
		"SET usage_month = :m, monthly_events_used = :n",
		"usage_month <> :m",
		map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)},
			":m": &types.AttributeValueMemberS{Value: month},
		})
	if errors.Is(err, ErrConflict) {
		// Same month after all: the allowance is genuinely spent.
		return b.MonthlyEventsUsed, ErrQuotaExceeded
	}
	return used, err
}

func (d *DynamoStore) updatePartner(ctx context.Context, op, verb, businessID, partnerID string) error {
	return withRetry(ctx, op, func() error {
		_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.table),
			Key:                 itemKey(bizPK(businessID), "META"),
			UpdateExpression:    aws.String(verb + " partner_ids :p"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberSS{Value: []string{partnerID}},
			},
		})
		if err != nil {
			if errors.Is(mapDynamoErr(err), ErrConflict) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
}

// AddPartner adds a partner id (set semantics, idempotent).
func (d *DynamoStore) AddPartner(ctx context.Context, businessID, partnerID string) error {
	return d.updatePartner(ctx, "add partner", "ADD", businessID, partnerID)
}

// RemovePartner removes a partner id.
func (d *DynamoStore) RemovePartner(ctx context.Context, businessID, partnerID string) error {
	return d.updatePartner(ctx, "remove partner", "DELETE", businessID, partnerID)
}

func membershipToken(businessID, userID string) string {
	return businessID + "|" + userID
}

func rowToGlobalUser(row globalUserRow) *GlobalUser {
	g := &GlobalUser{GlobalUID: row.GlobalUID, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}
	for _, token := range row.BusinessUIDs {
		parts := strings.SplitN(token, "|", 2)
		if len(parts) == 2 {
			g.BusinessUIDs = append(g.BusinessUIDs, Membership{BusinessID: parts[0], UserID: parts[1]})
		}
	}
	return g
}

// GetGlobalUser returns a cross-site identity.
func (d *DynamoStore) GetGlobalUser(ctx context.Context, globalUID string) (*GlobalUser, error) {
	var row globalUserRow
	if err := d.getItem(ctx, "get global user", guidPK(globalUID), "META", &row); err != nil {
		return nil, err
	}
	return rowToGlobalUser(row), nil
}

// LinkGlobalUser upserts the identity and adds the membership in one
// atomic set-add.
func (d *DynamoStore) LinkGlobalUser(ctx context.Context, globalUID, businessID, userID string) (*GlobalUser, error) {
	now := time.Now().UTC()
	var result *GlobalUser
	err := withRetry(ctx, "link global user", func() error {
		res, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(d.table),
			Key:              itemKey(guidPK(globalUID), "META"),
			UpdateExpression: aws.String("ADD business_uids :m SET global_uid = if_not_exists(global_uid, :g), created_at = if_not_exists(created_at, :now), updated_at = :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":m":   &types.AttributeValueMemberSS{Value: []string{membershipToken(businessID, userID)}},
				":g":   &types.AttributeValueMemberS{Value: globalUID},
				":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err != nil {
			return err
		}
		var row globalUserRow
		if err := attributevalue.UnmarshalMap(res.Attributes, &row); err != nil {
			return fmt.Errorf("unmarshaling global user: %w", err)
		}
		result = rowToGlobalUser(row)
		return nil
	})
	return result, err
}

// GetUser returns a tenant-scoped user.
func (d *DynamoStore) GetUser(ctx context.Context, businessID, userID string) (*User, error) {
	var row userRow
	if err := d.getItem(ctx, "get user", bizPK(businessID), userSK(userID), &row); err != nil {
		return nil, err
	}
	return &row.User, nil
}

// SaveUser stores or replaces a user.
func (d *DynamoStore) SaveUser(ctx context.Context, u *User) error {
	cp := *u
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	return d.putItem(ctx, "save user", userRow{PK: bizPK(u.BusinessID), SK: userSK(u.UserID), User: cp})
}

func (d *DynamoStore) queryPrefix(ctx context.Context, op, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	err := withRetry(ctx, op, func() error {
		items = items[:0]
		var startKey map[string]types.AttributeValue
		for {
			res, err := d.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(d.table),
				KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: pk},
					":sk": &types.AttributeValueMemberS{Value: skPrefix},
				},
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				return err
			}
			items = append(items, res.Items...)
			if res.LastEvaluatedKey == nil {
				return nil
			}
			startKey = res.LastEvaluatedKey
		}
	})
	return items, err
}

// ListUsers returns every user for a tenant.
func (d *DynamoStore) ListUsers(ctx context.Context, businessID string) ([]*User, error) {
	items, err := d.queryPrefix(ctx, "list users", bizPK(businessID), "USER#")
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(items))
	for _, item := range items {
		var row userRow
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			continue
		}
		u := row.User
		out = append(out, &u)
	}
	return out, nil
}

// InsertEvents writes the batch in chunks of 25, reporting per-index
// status. Unprocessed items are retried before being marked failed.
func (d *DynamoStore) InsertEvents(ctx context.Context, events []*Event) ([]EventStatus, error) {
	statuses := make([]EventStatus, len(events))
	for i := range statuses {
		statuses[i] = EventStatus{Index: i, OK: true}
	}

	type pending struct {
		index int
		sk    string
	}

	const chunkSize = 25
	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}

		writes := make([]types.WriteRequest, 0, end-start)
		bySK := make(map[string]pending, end-start)
		for i := start; i < end; i++ {
			ev := events[i]
			sk := d.eventSK(ev.Timestamp)
			row := eventRow{
				PK:    eventPK(ev.BusinessID, ev.UserID),
				SK:    sk,
				Event: *ev,
				TTL:   time.Now().Add(eventTTL).Unix(),
			}
			av, err := attributevalue.MarshalMap(row)
			if err != nil {
				statuses[i] = EventStatus{Index: i, OK: false, Reason: "marshal: " + err.Error()}
				continue
			}
			writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
			bySK[sk] = pending{index: i, sk: sk}
		}
		if len(writes) == 0 {
			continue
		}

		var unprocessed []types.WriteRequest
		err := withRetry(ctx, "insert events", func() error {
			res, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{d.table: writes},
			})
			if err != nil {
				return err
			}
			unprocessed = res.UnprocessedItems[d.table]
			return nil
		})
		if err != nil {
			for i := start; i < end; i++ {
				if statuses[i].OK {
					statuses[i] = EventStatus{Index: i, OK: false, Reason: "storage unavailable"}
				}
			}
			return statuses, err
		}
		for _, wr := range unprocessed {
			if wr.PutRequest == nil {
				continue
			}
			if sk, ok := wr.PutRequest.Item["SK"].(*types.AttributeValueMemberS); ok {
				if p, found := bySK[sk.Value]; found {
					statuses[p.index] = EventStatus{Index: p.index, OK: false, Reason: "unprocessed"}
				}
			}
		}
	}
	return statuses, nil
}

// GetRecentEvents queries newest-first within the window.
func (d *DynamoStore) GetRecentEvents(ctx context.Context, businessID, userID string, limit int, window time.Duration) ([]*Event, error) {
	cutoff := "TS#" + time.Now().UTC().Add(-window).Format(eventTSFormat)
	var out []*Event
	err := withRetry(ctx, "get recent events", func() error {
		out = out[:0]
		res, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("PK = :pk AND SK >= :from"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: eventPK(businessID, userID)},
				":from": &types.AttributeValueMemberS{Value: cutoff},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(int32(limit)),
		})
		if err != nil {
			return err
		}
		for _, item := range res.Items {
			var row eventRow
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				continue
			}
			ev := row.Event
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}

// GetOrInitVariant seeds the record with an existence-conditioned put,
// falling back to a read when another writer got there first.
func (d *DynamoStore) GetOrInitVariant(ctx context.Context, key VariantKey, seedHTML string) (*VariantRecord, error) {
	rec := NewVariantRecord(key, seedHTML, time.Now().UTC())
	av, err := attributevalue.MarshalMap(variantRow{PK: bizPK(key.BusinessID), SK: variantSK(key), VariantRecord: *rec})
	if err != nil {
		return nil, fmt.Errorf("marshaling variant record: %w", err)
	}

	err = withRetry(ctx, "init variant", func() error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.table),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		return mapDynamoErr(err)
	})
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}
	return d.GetVariant(ctx, key)
}

// GetVariant returns an existing record.
func (d *DynamoStore) GetVariant(ctx context.Context, key VariantKey) (*VariantRecord, error) {
	var row variantRow
	if err := d.getItem(ctx, "get variant", bizPK(key.BusinessID), variantSK(key), &row); err != nil {
		return nil, err
	}
	return &row.VariantRecord, nil
}

// UpdateVariantScore writes the new (score, trials) pair only when the
// stored pair still matches the one the caller read.
func (d *DynamoStore) UpdateVariantScore(ctx context.Context, key VariantKey, slot string, prior SlotVersion, newScore float64, newTrials int) error {
	return withRetry(ctx, "update variant score", func() error {
		_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.table),
			Key:                 itemKey(bizPK(key.BusinessID), variantSK(key)),
			UpdateExpression:    aws.String("SET variants.#s.current_score = :ns, variants.#s.number_of_trials = :nt, updated_at = :now"),
			ConditionExpression: aws.String("variants.#s.current_score = :ps AND variants.#s.number_of_trials = :pt"),
			ExpressionAttributeNames: map[string]string{
				"#s": slot,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":ns":  numberAV(newScore),
				":nt":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newTrials)},
				":ps":  numberAV(prior.Score),
				":pt":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", prior.Trials)},
				":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			},
		})
		return mapDynamoErr(err)
	})
}

// ReplaceVariantHTML appends the archive entry and resets the slot for
// the incoming candidate. Caller holds the regeneration lock.
func (d *DynamoStore) ReplaceVariantHTML(ctx context.Context, key VariantKey, slot string, newHTML string, archive HistoryEntry) error {
	archAV, err := attributevalue.Marshal([]HistoryEntry{archive})
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}

	err = withRetry(ctx, "replace variant html", func() error {
		_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.table),
			Key:                 itemKey(bizPK(key.BusinessID), variantSK(key)),
			UpdateExpression:    aws.String("SET variants.#s.history = list_append(variants.#s.history, :arch), variants.#s.current_html = :html, variants.#s.current_score = :zero, variants.#s.number_of_trials = :zt, updated_at = :now"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeNames: map[string]string{
				"#s": slot,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":arch": archAV,
				":html": &types.AttributeValueMemberS{Value: newHTML},
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":zt":   &types.AttributeValueMemberN{Value: "0"},
				":now":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			},
		})
		if err != nil {
			if errors.Is(mapDynamoErr(err), ErrConflict) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if d.archiver != nil {
		d.spillHistory(ctx, key, slot)
	}
	return nil
}

// spillHistory moves over-cap history markup to S3, leaving stub entries
// behind. Best-effort: failures only log.
func (d *DynamoStore) spillHistory(ctx context.Context, key VariantKey, slot string) {
	rec, err := d.GetVariant(ctx, key)
	if err != nil {
		log.Printf("[Store] history spill read failed for %s/%s: %v", key.UserID, key.ComponentID, err)
		return
	}
	s := rec.Variants.Slot(slot)
	if s == nil || len(s.History) <= HistoryCap {
		return
	}

	trimmed := make([]HistoryEntry, len(s.History))
	copy(trimmed, s.History)
	changed := false
	for i := 0; i < len(trimmed)-HistoryCap; i++ {
		if trimmed[i].ArchivedKey != "" || trimmed[i].HTML == "" {
			continue
		}
		archKey, err := d.archiver.PutHistoryHTML(ctx, key, slot, trimmed[i].Timestamp, trimmed[i].HTML)
		if err != nil {
			log.Printf("[Store] history spill upload failed for %s/%s: %v", key.UserID, key.ComponentID, err)
			return
		}
		trimmed[i].ArchivedKey = archKey
		trimmed[i].HTML = ""
		changed = true
	}
	if !changed {
		return
	}

	trimAV, err := attributevalue.Marshal(trimmed)
	if err != nil {
		log.Printf("[Store] history spill marshal failed: %v", err)
		return
	}
	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 itemKey(bizPK(key.BusinessID), variantSK(key)),
		UpdateExpression:    aws.String("SET variants.#s.history = :h"),
		ConditionExpression: aws.String("size(variants.#s.history) = :n"),
		ExpressionAttributeNames: map[string]string{
			"#s": slot,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": trimAV,
			":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", len(trimmed))},
		},
	})
	if err != nil {
		log.Printf("[Store] history spill write skipped for %s/%s: %v", key.UserID, key.ComponentID, mapDynamoErr(err))
	}
}

// ListVariants returns every variant record for a tenant.
func (d *DynamoStore) ListVariants(ctx context.Context, businessID string) ([]*VariantRecord, error) {
	items, err := d.queryPrefix(ctx, "list variants", bizPK(businessID), "VAR#")
	if err != nil {
		return nil, err
	}
	out := make([]*VariantRecord, 0, len(items))
	for _, item := range items {
		var row variantRow
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			continue
		}
		rec := row.VariantRecord
		out = append(out, &rec)
	}
	return out, nil
}

// PutAgreement mirrors the agreement under both parties so each side can
// list and address it by id.
func (d *DynamoStore) PutAgreement(ctx context.Context, a *Agreement) error {
	for _, biz := range []string{a.FromBusinessID, a.ToBusinessID} {
		row := agreementRow{PK: bizPK(biz), SK: agreementSK(a.AgreementID), Agreement: *a}
		if err := d.putItem(ctx, "put agreement", row); err != nil {
			return err
		}
	}
	return nil
}

// GetAgreement returns an agreement visible to the business.
func (d *DynamoStore) GetAgreement(ctx context.Context, businessID, agreementID string) (*Agreement, error) {
	var row agreementRow
	if err := d.getItem(ctx, "get agreement", bizPK(businessID), agreementSK(agreementID), &row); err != nil {
		return nil, err
	}
	return &row.Agreement, nil
}

// ListAgreements returns agreements where the business is either party.
func (d *DynamoStore) ListAgreements(ctx context.Context, businessID string) ([]*Agreement, error) {
	items, err := d.queryPrefix(ctx, "list agreements", bizPK(businessID), "AGR#")
	if err != nil {
		return nil, err
	}
	out := make([]*Agreement, 0, len(items))
	for _, item := range items {
		var row agreementRow
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			continue
		}
		a := row.Agreement
		out = append(out, &a)
	}
	return out, nil
}

func numberAV(f float64) types.AttributeValue {
	av, err := attributevalue.Marshal(f)
	if err != nil {
		return &types.AttributeValueMemberN{Value: "0"}
	}
	return av
}
