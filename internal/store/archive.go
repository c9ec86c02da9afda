package store

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver spills retired variant markup to S3 once a slot's inline
// history exceeds HistoryCap. DynamoDB items are bounded at 400 KB; a
// long-lived component would eventually hit that with full markup kept
// inline.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver creates an archiver writing to the given bucket.
func NewArchiver(client *s3.Client, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// PutHistoryHTML uploads one retired markup blob and returns its key.
func (a *Archiver) PutHistoryHTML(ctx context.Context, key VariantKey, slot string, retiredAt time.Time, html string) (string, error) {
	objKey := fmt.Sprintf("variants/%s/%s/%s/%s/%s.html",
		key.BusinessID, key.UserID, key.ComponentID, slot,
		retiredAt.UTC().Format("20060102T150405.000000000"))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objKey),
		Body:        strings.NewReader(html),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("putting archive object: %w", err)
	}
	return objKey, nil
}

// GetHistoryHTML fetches an archived markup blob by key.
func (a *Archiver) GetHistoryHTML(ctx context.Context, objKey string) (string, error) {
	res, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return "", fmt.Errorf("getting archive object: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("reading archive object body: %w", err)
	}
	return string(data), nil
}
