package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// ddbLedgerKey is the fixed partition key for the single bandwidth
// ledger row this table holds; one table is shared by every
// cooperating instance, the same DynamoDB domain the metadata ledger
// (archive/awsbackend) uses, grounded on the same conditional-write
// idiom that package exercises for archive uploads.
const ddbLedgerKey = "bandwidth"

// DynamoDBLedger is the Ledger implementation backing the aws archiver
// profile: one item whose hourly counters are stored together as a
// JSON-encoded Bandwidth attribute, CAS via
// DynamoDB's ConditionExpression keyed on a Serial attribute.
type DynamoDBLedger struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoDBLedger builds a Ledger over an already-configured
// DynamoDB client and table name (which may be the same metadata table
// the aws archive backend uses, distinguished by the ddbLedgerKey
// partition key, or a dedicated one).
func NewDynamoDBLedger(client *dynamodb.Client, table string) *DynamoDBLedger {
	return &DynamoDBLedger{client: client, table: table}
}

// Read implements Ledger.
func (l *DynamoDBLedger) Read(ctx context.Context) (LedgerState, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key: map[string]ddbtypes.AttributeValue{
			"Key": &ddbtypes.AttributeValueMemberS{Value: ddbLedgerKey},
		},
	})
	if err != nil {
		return LedgerState{}, fmt.Errorf("retrieve/ddb: reading bandwidth ledger: %w", err)
	}
	if out.Item == nil {
		return LedgerState{Bandwidth: make(map[int64]int64), CurrentMonth: monthKey(time.Now())}, nil
	}
	return decodeLedgerItem(out.Item)
}

// CompareAndSwap implements Ledger.
func (l *DynamoDBLedger) CompareAndSwap(ctx context.Context, next LedgerState) (bool, error) {
	bwJSON, err := json.Marshal(next.Bandwidth)
	if err != nil {
		return false, fmt.Errorf("retrieve/ddb: encoding bandwidth map: %w", err)
	}
	priorSerial := next.Serial - 1

	item := map[string]ddbtypes.AttributeValue{
		"Key":               &ddbtypes.AttributeValueMemberS{Value: ddbLedgerKey},
		"Serial":            &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(next.Serial, 10)},
		"CurrentMonth":      &ddbtypes.AttributeValueMemberS{Value: next.CurrentMonth},
		"MaxBandwidthMonth": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(next.MaxBandwidthMonth, 10)},
		"Bandwidth":         &ddbtypes.AttributeValueMemberS{Value: string(bwJSON)},
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(l.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k) OR Serial = :prior"),
		ExpressionAttributeNames: map[string]string{"#k": "Key"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":prior": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(priorSerial, 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("retrieve/ddb: writing bandwidth ledger: %w", err)
	}
	return true, nil
}

func decodeLedgerItem(item map[string]ddbtypes.AttributeValue) (LedgerState, error) {
	var s LedgerState
	s.Bandwidth = make(map[int64]int64)
	if v, ok := item["Serial"].(*ddbtypes.AttributeValueMemberN); ok {
		s.Serial, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := item["CurrentMonth"].(*ddbtypes.AttributeValueMemberS); ok {
		s.CurrentMonth = v.Value
	}
	if v, ok := item["MaxBandwidthMonth"].(*ddbtypes.AttributeValueMemberN); ok {
		s.MaxBandwidthMonth, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := item["Bandwidth"].(*ddbtypes.AttributeValueMemberS); ok {
		if err := json.Unmarshal([]byte(v.Value), &s.Bandwidth); err != nil {
			return LedgerState{}, fmt.Errorf("retrieve/ddb: decoding bandwidth map: %w", err)
		}
	}
	return s, nil
}

func isConditionalCheckFailed(err error) bool {
	var condErr *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException"
	}
	return false
}
