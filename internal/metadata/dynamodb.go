package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBStoreConfig selects the single-table layout used by the DynamoDB
// engine. EndpointURL points at DynamoDB Local in development.
type DynamoDBStoreConfig struct {
	Table       string
	Region      string
	EndpointURL string
}

// DynamoDBStore keeps everything in one table under a pk/sk scheme:
//
//	BUCKET#<name>            / #METADATA
//	OBJECT#<bucket>#<key>    / #METADATA
//	UPLOAD#<uploadID>        / #METADATA and PART#<%05d>
//	CRED#<accessKeyID>       / #METADATA
//
// Listing scans the relevant pk prefix and funnels the sorted records
// through the shared pagination helpers, so every engine truncates pages
// the same way.
type DynamoDBStore struct {
	client *dynamodb.Client
	table  string
}

const metaSK = "#METADATA"

func NewDynamoDBStore(cfg DynamoDBStoreConfig) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb: table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("dynamodb: loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return &DynamoDBStore{client: dynamodb.NewFromConfig(awsCfg), table: cfg.Table}, nil
}

func (s *DynamoDBStore) Close() error { return nil }

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

// ---- key builders ----

func bucketPK(name string) string        { return "BUCKET#" + name }
func objectPK(bucket, key string) string { return "OBJECT#" + bucket + "#" + key }
func uploadPK(uploadID string) string    { return "UPLOAD#" + uploadID }
func credPK(accessKeyID string) string   { return "CRED#" + accessKeyID }
func partSK(partNumber int) string       { return fmt.Sprintf("PART#%05d", partNumber) }

// ---- attribute helpers ----

type item = map[string]types.AttributeValue

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemStr(it item, key string) string {
	if v, ok := it[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemInt(it item, key string) int64 {
	if v, ok := it[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func itemBool(it item, key string) bool {
	if v, ok := it[key].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func itemTime(it item, key string) time.Time {
	t, _ := time.Parse(timeFormat, itemStr(it, key))
	return t
}

func metaKey(pk, sk string) item {
	return item{"pk": str(pk), "sk": str(sk)}
}

func setIfNonEmpty(it item, key, v string) {
	if v != "" {
		it[key] = str(v)
	}
}

// ---- buckets ----

func (s *DynamoDBStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
	it := item{
		"pk":            str(bucketPK(b.Name)),
		"sk":            str(metaSK),
		"type":          str("bucket"),
		"name":          str(b.Name),
		"region":        str(b.Region),
		"owner_id":      str(b.OwnerID),
		"owner_display": str(b.OwnerDisplay),
		"acl":           str(jsonOrEmpty(b.ACL)),
		"created_at":    str(fmtTime(b.CreatedAt)),
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                it,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrBucketExists
		}
		return fmt.Errorf("dynamodb: creating bucket: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(bucketPK(name), metaSK),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: getting bucket: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return bucketFromItem(resp.Item), nil
}

func (s *DynamoDBStore) DeleteBucket(ctx context.Context, name string) error {
	exists, err := s.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}
	empty, err := s.pkPrefixEmpty(ctx, "OBJECT#"+name+"#")
	if err != nil {
		return err
	}
	if !empty {
		return ErrBucketNotEmpty
	}
	uploads, err := s.scanUploads(ctx, name, "")
	if err != nil {
		return err
	}
	if len(uploads) > 0 {
		return ErrBucketNotEmpty
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(bucketPK(name), metaSK),
	})
	if err != nil {
		return fmt.Errorf("dynamodb: deleting bucket: %w", err)
	}
	return nil
}

// pkPrefixEmpty reports whether no item has a pk starting with prefix.
func (s *DynamoDBStore) pkPrefixEmpty(ctx context.Context, prefix string) (bool, error) {
	var start item
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			FilterExpression:     aws.String("begins_with(pk, :p) AND sk = :m"),
			ProjectionExpression: aws.String("pk"),
			ExpressionAttributeValues: item{
				":p": str(prefix),
				":m": str(metaSK),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return false, fmt.Errorf("dynamodb: scanning %q: %w", prefix, err)
		}
		if len(resp.Items) > 0 {
			return false, nil
		}
		if resp.LastEvaluatedKey == nil {
			return true, nil
		}
		start = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	items, err := s.scanMeta(ctx, "BUCKET#")
	if err != nil {
		return nil, err
	}
	var out []BucketRecord
	for _, it := range items {
		b := bucketFromItem(it)
		if owner == "" || b.OwnerID == owner {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *DynamoDBStore) BucketExists(ctx context.Context, name string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  metaKey(bucketPK(name), metaSK),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb: checking bucket: %w", err)
	}
	return resp.Item != nil, nil
}

func (s *DynamoDBStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	return s.updateACL(ctx, metaKey(bucketPK(name), metaSK), acl, ErrBucketNotFound)
}

func (s *DynamoDBStore) updateACL(ctx context.Context, key item, acl json.RawMessage, missing error) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key,
		UpdateExpression:          aws.String("SET acl = :acl"),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: item{":acl": str(string(acl))},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return missing
		}
		return fmt.Errorf("dynamodb: updating acl: %w", err)
	}
	return nil
}

// ---- objects ----

func (s *DynamoDBStore) PutObject(ctx context.Context, o *ObjectRecord) error {
	userMeta, err := metaJSON(o.UserMetadata)
	if err != nil {
		return err
	}
	it := item{
		"pk":            str(objectPK(o.Bucket, o.Key)),
		"sk":            str(metaSK),
		"type":          str("object"),
		"bucket":        str(o.Bucket),
		"key":           str(o.Key),
		"size":          num(o.Size),
		"etag":          str(o.ETag),
		"content_type":  str(defaultStr(o.ContentType, "application/octet-stream")),
		"storage_class": str(defaultStr(o.StorageClass, "STANDARD")),
		"acl":           str(jsonOrEmpty(o.ACL)),
		"user_metadata": str(userMeta),
		"last_modified": str(fmtTime(o.LastModified)),
	}
	setIfNonEmpty(it, "content_encoding", o.ContentEncoding)
	setIfNonEmpty(it, "content_language", o.ContentLanguage)
	setIfNonEmpty(it, "content_disposition", o.ContentDisposition)
	setIfNonEmpty(it, "cache_control", o.CacheControl)
	setIfNonEmpty(it, "expires", o.Expires)

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      it,
	}); err != nil {
		return fmt.Errorf("dynamodb: putting object: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(objectPK(bucket, key), metaSK),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: getting object: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return objectFromItem(resp.Item), nil
}

func (s *DynamoDBStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(objectPK(bucket, key), metaSK),
	})
	if err != nil {
		return fmt.Errorf("dynamodb: deleting object: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  metaKey(objectPK(bucket, key), metaSK),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb: checking object: %w", err)
	}
	return resp.Item != nil, nil
}

func (s *DynamoDBStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	return s.updateACL(ctx, metaKey(objectPK(bucket, key), metaSK), acl, ErrObjectNotFound)
}

func (s *DynamoDBStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	pkPrefix := "OBJECT#" + bucket + "#"
	if opts.Prefix != "" {
		pkPrefix += opts.Prefix
	}
	items, err := s.scanMeta(ctx, pkPrefix)
	if err != nil {
		return nil, err
	}

	objects := make([]ObjectRecord, 0, len(items))
	for _, it := range items {
		o := objectFromItem(it)
		if o.Bucket != bucket {
			continue
		}
		objects = append(objects, *o)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return paginateObjects(objects, opts), nil
}

// scanMeta collects every #METADATA item whose pk starts with prefix.
func (s *DynamoDBStore) scanMeta(ctx context.Context, pkPrefix string) ([]item, error) {
	var items []item
	var start item
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("begins_with(pk, :p) AND sk = :m"),
			ExpressionAttributeValues: item{
				":p": str(pkPrefix),
				":m": str(metaSK),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb: scanning %q: %w", pkPrefix, err)
		}
		items = append(items, resp.Items...)
		if resp.LastEvaluatedKey == nil {
			return items, nil
		}
		start = resp.LastEvaluatedKey
	}
}

// ---- multipart uploads ----

func (s *DynamoDBStore) CreateMultipartUpload(ctx context.Context, u *MultipartUploadRecord) error {
	userMeta, err := metaJSON(u.UserMetadata)
	if err != nil {
		return err
	}
	it := item{
		"pk":            str(uploadPK(u.UploadID)),
		"sk":            str(metaSK),
		"type":          str("upload"),
		"upload_id":     str(u.UploadID),
		"bucket":        str(u.Bucket),
		"key":           str(u.Key),
		"content_type":  str(defaultStr(u.ContentType, "application/octet-stream")),
		"storage_class": str(defaultStr(u.StorageClass, "STANDARD")),
		"acl":           str(jsonOrEmpty(u.ACL)),
		"user_metadata": str(userMeta),
		"owner_id":      str(u.OwnerID),
		"owner_display": str(u.OwnerDisplay),
		"initiated_at":  str(fmtTime(u.InitiatedAt)),
	}
	setIfNonEmpty(it, "content_encoding", u.ContentEncoding)
	setIfNonEmpty(it, "content_language", u.ContentLanguage)
	setIfNonEmpty(it, "content_disposition", u.ContentDisposition)
	setIfNonEmpty(it, "cache_control", u.CacheControl)
	setIfNonEmpty(it, "expires", u.Expires)

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      it,
	}); err != nil {
		return fmt.Errorf("dynamodb: creating multipart upload: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(uploadPK(uploadID), metaSK),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: getting multipart upload: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	u := uploadFromItem(resp.Item)
	if u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	return u, nil
}

func (s *DynamoDBStore) PutPart(ctx context.Context, p *PartRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: item{
			"pk":            str(uploadPK(p.UploadID)),
			"sk":            str(partSK(p.PartNumber)),
			"type":          str("part"),
			"upload_id":     str(p.UploadID),
			"part_number":   num(int64(p.PartNumber)),
			"size":          num(p.Size),
			"etag":          str(p.ETag),
			"last_modified": str(fmtTime(p.LastModified)),
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: putting part: %w", err)
	}
	return nil
}

// queryParts pulls every PART# item for uploadID.
func (s *DynamoDBStore) queryParts(ctx context.Context, uploadID string) ([]PartRecord, error) {
	var parts []PartRecord
	var start item
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :p)"),
			ExpressionAttributeValues: item{
				":pk": str(uploadPK(uploadID)),
				":p":  str("PART#"),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb: querying parts: %w", err)
		}
		for _, it := range resp.Items {
			parts = append(parts, PartRecord{
				UploadID:     itemStr(it, "upload_id"),
				PartNumber:   int(itemInt(it, "part_number")),
				Size:         itemInt(it, "size"),
				ETag:         itemStr(it, "etag"),
				LastModified: itemTime(it, "last_modified"),
			})
		}
		if resp.LastEvaluatedKey == nil {
			return parts, nil
		}
		start = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	parts, err := s.queryParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return paginateParts(parts, opts), nil
}

func (s *DynamoDBStore) PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	parts, err := s.queryParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	want := make(map[int]bool, len(partNumbers))
	for _, pn := range partNumbers {
		want[pn] = true
	}
	var out []PartRecord
	for _, p := range parts {
		if want[p.PartNumber] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

// deleteUploadItems removes the upload's part items in batches of 25 and
// then its metadata item.
func (s *DynamoDBStore) deleteUploadItems(ctx context.Context, uploadID string) error {
	parts, err := s.queryParts(ctx, uploadID)
	if err != nil {
		return err
	}
	for i := 0; i < len(parts); i += 25 {
		end := min(i+25, len(parts))
		reqs := make([]types.WriteRequest, 0, end-i)
		for _, p := range parts[i:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: metaKey(uploadPK(uploadID), partSK(p.PartNumber))},
			})
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: reqs},
		}); err != nil {
			return fmt.Errorf("dynamodb: deleting part items: %w", err)
		}
	}
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(uploadPK(uploadID), metaSK),
	}); err != nil {
		return fmt.Errorf("dynamodb: deleting upload item: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, o *ObjectRecord) error {
	if err := s.PutObject(ctx, o); err != nil {
		return err
	}
	return s.deleteUploadItems(ctx, uploadID)
}

func (s *DynamoDBStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	u, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUploadNotFound
	}
	return s.deleteUploadItems(ctx, uploadID)
}

// scanUploads collects upload metadata items for bucket, optionally
// restricted to a key prefix.
func (s *DynamoDBStore) scanUploads(ctx context.Context, bucket, prefix string) ([]MultipartUploadRecord, error) {
	filter := "begins_with(pk, :p) AND sk = :m AND #b = :bucket"
	values := item{
		":p":      str("UPLOAD#"),
		":m":      str(metaSK),
		":bucket": str(bucket),
	}
	names := map[string]string{"#b": "bucket"}
	if prefix != "" {
		filter += " AND begins_with(#k, :kp)"
		values[":kp"] = str(prefix)
		names["#k"] = "key"
	}

	var uploads []MultipartUploadRecord
	var start item
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExpressionAttributeNames:  names,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb: scanning uploads: %w", err)
		}
		for _, it := range resp.Items {
			uploads = append(uploads, *uploadFromItem(it))
		}
		if resp.LastEvaluatedKey == nil {
			return uploads, nil
		}
		start = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	uploads, err := s.scanUploads(ctx, bucket, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return paginateUploads(uploads, opts), nil
}

// ---- credentials ----

func (s *DynamoDBStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(credPK(accessKeyID), metaSK),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: getting credential: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return &CredentialRecord{
		AccessKeyID: itemStr(resp.Item, "access_key_id"),
		SecretKey:   itemStr(resp.Item, "secret_key"),
		OwnerID:     itemStr(resp.Item, "owner_id"),
		DisplayName: itemStr(resp.Item, "display_name"),
		Active:      itemBool(resp.Item, "active"),
		CreatedAt:   itemTime(resp.Item, "created_at"),
	}, nil
}

func (s *DynamoDBStore) PutCredential(ctx context.Context, c *CredentialRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: item{
			"pk":            str(credPK(c.AccessKeyID)),
			"sk":            str(metaSK),
			"type":          str("credential"),
			"access_key_id": str(c.AccessKeyID),
			"secret_key":    str(c.SecretKey),
			"owner_id":      str(c.OwnerID),
			"display_name":  str(c.DisplayName),
			"active":        &types.AttributeValueMemberBOOL{Value: c.Active},
			"created_at":    str(fmtTime(c.CreatedAt)),
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: putting credential: %w", err)
	}
	return nil
}

// ---- reaper ----

func (s *DynamoDBStore) ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error) {
	cutoff := fmtTime(time.Now().Add(-ttl))

	var stale []MultipartUploadRecord
	var start item
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("begins_with(pk, :p) AND sk = :m AND initiated_at < :cutoff"),
			ExpressionAttributeValues: item{
				":p":      str("UPLOAD#"),
				":m":      str(metaSK),
				":cutoff": str(cutoff),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb: scanning expired uploads: %w", err)
		}
		for _, it := range resp.Items {
			stale = append(stale, *uploadFromItem(it))
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		start = resp.LastEvaluatedKey
	}

	var reaped []ExpiredUpload
	for _, u := range stale {
		if err := s.deleteUploadItems(ctx, u.UploadID); err != nil {
			return reaped, err
		}
		reaped = append(reaped, ExpiredUpload{UploadID: u.UploadID, Bucket: u.Bucket, Key: u.Key})
	}
	return reaped, nil
}

// ---- item decoding ----

func bucketFromItem(it item) *BucketRecord {
	return &BucketRecord{
		Name:         itemStr(it, "name"),
		Region:       itemStr(it, "region"),
		OwnerID:      itemStr(it, "owner_id"),
		OwnerDisplay: itemStr(it, "owner_display"),
		ACL:          json.RawMessage(itemStr(it, "acl")),
		CreatedAt:    itemTime(it, "created_at"),
	}
}

func objectFromItem(it item) *ObjectRecord {
	return &ObjectRecord{
		Bucket:             itemStr(it, "bucket"),
		Key:                itemStr(it, "key"),
		Size:               itemInt(it, "size"),
		ETag:               itemStr(it, "etag"),
		ContentType:        itemStr(it, "content_type"),
		ContentEncoding:    itemStr(it, "content_encoding"),
		ContentLanguage:    itemStr(it, "content_language"),
		ContentDisposition: itemStr(it, "content_disposition"),
		CacheControl:       itemStr(it, "cache_control"),
		Expires:            itemStr(it, "expires"),
		StorageClass:       itemStr(it, "storage_class"),
		ACL:                json.RawMessage(itemStr(it, "acl")),
		UserMetadata:       parseMetaJSON(itemStr(it, "user_metadata")),
		LastModified:       itemTime(it, "last_modified"),
	}
}

func uploadFromItem(it item) *MultipartUploadRecord {
	return &MultipartUploadRecord{
		UploadID:           itemStr(it, "upload_id"),
		Bucket:             itemStr(it, "bucket"),
		Key:                itemStr(it, "key"),
		ContentType:        itemStr(it, "content_type"),
		ContentEncoding:    itemStr(it, "content_encoding"),
		ContentLanguage:    itemStr(it, "content_language"),
		ContentDisposition: itemStr(it, "content_disposition"),
		CacheControl:       itemStr(it, "cache_control"),
		Expires:            itemStr(it, "expires"),
		StorageClass:       itemStr(it, "storage_class"),
		ACL:                json.RawMessage(itemStr(it, "acl")),
		UserMetadata:       parseMetaJSON(itemStr(it, "user_metadata")),
		OwnerID:            itemStr(it, "owner_id"),
		OwnerDisplay:       itemStr(it, "owner_display"),
		InitiatedAt:        itemTime(it, "initiated_at"),
	}
}
