// Package dynamo backs the ledger with a single DynamoDB table keyed by
// (partitionKey BUDGET|REQUEST, rangeKey id), with a sparse secondary index
// on requestStatus for status queries.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"costgate/ledger"
)

const (
	budgetPartition  = "BUDGET"
	requestPartition = "REQUEST"
	statusIndexName  = "query-by-request-status"
)

// Store implements ledger.Store on DynamoDB.
type Store struct {
	client *dynamodb.Client
	table  string
}

func NewStore(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

// budgetRecord is the stored shape of a ledger.Budget. Monetary amounts are
// strings so no precision is lost crossing the wire.
type budgetRecord struct {
	PartitionKey string `dynamodbav:"partitionKey"`
	RangeKey     string `dynamodbav:"rangeKey"`
	EntityName   string `dynamodbav:"businessEntity"`
	BudgetName   string `dynamodbav:"budgetName"`

	BudgetLimit     string `dynamodbav:"budgetLimit"`
	ActualSpend     string `dynamodbav:"actualSpend"`
	ForecastedSpend string `dynamodbav:"forecastedSpend"`

	AccruedForecastedSpend string `dynamodbav:"accruedForecastedSpend"`
	AccruedBlockedSpend    string `dynamodbav:"accruedBlockedSpend"`
	AccruedApprovedSpend   string `dynamodbav:"accruedApprovedSpend"`

	ForecastProcessed   bool   `dynamodbav:"budgetForecastProcessed"`
	ForecastProcessedAt string `dynamodbav:"budgetForecastProcessedAt,omitempty"`

	NotifyTopicARN string `dynamodbav:"notifySNSTopic"`
	ApproverEmail  string `dynamodbav:"approverEmail"`
	UpdatedAt      string `dynamodbav:"budgetUpdatedAt,omitempty"`

	Version int64 `dynamodbav:"version"`
}

// requestRecord is the stored shape of a ledger.Request.
type requestRecord struct {
	PartitionKey string `dynamodbav:"partitionKey"`
	RangeKey     string `dynamodbav:"rangeKey"`
	Entity       string `dynamodbav:"businessEntity"`
	EntityID     string `dynamodbav:"businessEntityId"`

	Status         string `dynamodbav:"requestStatus"`
	ResourceStatus string `dynamodbav:"resourceStatus"`

	Pricing pricingRecord `dynamodbav:"pricingInfoAtRequest"`

	RequestorEmail string            `dynamodbav:"requestorEmail"`
	ProductName    string            `dynamodbav:"productName,omitempty"`
	Payload        map[string]string `dynamodbav:"requestPayload,omitempty"`

	ApprovalURL  string `dynamodbav:"requestApprovalUrl"`
	RejectionURL string `dynamodbav:"requestRejectionUrl"`
	WaitURL      string `dynamodbav:"stackWaitUrl"`

	CreatedAt    string `dynamodbav:"requestTime"`
	ApprovedAt   string `dynamodbav:"requestApprovalTime,omitempty"`
	RejectedAt   string `dynamodbav:"requestRejectionTime,omitempty"`
	TerminatedAt string `dynamodbav:"resourceTerminationTime,omitempty"`
}

type pricingRecord struct {
	InstanceType      string `dynamodbav:"InstanceType,omitempty"`
	OperatingSystem   string `dynamodbav:"OperatingSystem,omitempty"`
	TermType          string `dynamodbav:"TermType,omitempty"`
	UnitPrice         string `dynamodbav:"UnitPrice"`
	CurrentMonth      string `dynamodbav:"EstCurrMonthPrice"`
	MonthlyEquivalent string `dynamodbav:"31DayPrice"`
	NextMonth         string `dynamodbav:"NextMonthPrice,omitempty"`
	HoursLeft         int    `dynamodbav:"HoursLeftInCurrMonth,omitempty"`
	QuotedAt          string `dynamodbav:"ResponseTime,omitempty"`
}

func (s *Store) PutBudget(ctx context.Context, b *ledger.Budget) error {
	item, err := attributevalue.MarshalMap(toBudgetRecord(b))
	if err != nil {
		return fmt.Errorf("marshal budget %s: %w", b.ID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put budget %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) GetBudget(ctx context.Context, entityID string) (*ledger.Budget, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(budgetPartition, entityID),
	})
	if err != nil {
		return nil, fmt.Errorf("get budget %s: %w", entityID, err)
	}
	if out.Item == nil {
		return nil, ledger.ErrNotFound
	}
	var rec budgetRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal budget %s: %w", entityID, err)
	}
	return fromBudgetRecord(&rec)
}

func (s *Store) ListBudgets(ctx context.Context) ([]*ledger.Budget, error) {
	var budgets []*ledger.Budget
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("partitionKey = :p"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: budgetPartition},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query budgets: %w", err)
		}
		for _, item := range out.Items {
			var rec budgetRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal budget: %w", err)
			}
			b, err := fromBudgetRecord(&rec)
			if err != nil {
				return nil, err
			}
			budgets = append(budgets, b)
		}
		if out.LastEvaluatedKey == nil {
			return budgets, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *Store) UpdateBudgetAccruals(ctx context.Context, entityID string, upd ledger.AccrualUpdate, expectedVersion int64) error {
	expr := "SET accruedForecastedSpend = :a, accruedBlockedSpend = :b, accruedApprovedSpend = :c, version = :nv"
	values := map[string]types.AttributeValue{
		":a":  &types.AttributeValueMemberS{Value: upd.Forecasted.String()},
		":b":  &types.AttributeValueMemberS{Value: upd.Blocked.String()},
		":c":  &types.AttributeValueMemberS{Value: upd.Approved.String()},
		":v":  &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		":nv": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
	}
	if upd.MarkForecastProcessed {
		expr += ", budgetForecastProcessed = :e, budgetForecastProcessedAt = :d"
		values[":e"] = &types.AttributeValueMemberBOOL{Value: true}
		values[":d"] = &types.AttributeValueMemberS{Value: upd.ProcessedAt.Format(time.RFC3339Nano)}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(budgetPartition, entityID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(partitionKey) AND version = :v"),
		ExpressionAttributeValues: values,
	})
	if isConditionFailure(err) {
		return ledger.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update accruals for %s: %w", entityID, err)
	}
	return nil
}

func (s *Store) RebaseBudget(ctx context.Context, entityID string, upd ledger.RebaseUpdate) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(budgetPartition, entityID),
		UpdateExpression: aws.String(
			"SET budgetLimit = :a, actualSpend = :b, forecastedSpend = :c, budgetUpdatedAt = :d, budgetForecastProcessed = :e"),
		ConditionExpression: aws.String("attribute_exists(partitionKey)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: upd.BudgetLimit.String()},
			":b": &types.AttributeValueMemberS{Value: upd.ActualSpend.String()},
			":c": &types.AttributeValueMemberS{Value: upd.ForecastedSpend.String()},
			":d": &types.AttributeValueMemberS{Value: upd.UpdatedAt.Format(time.RFC3339Nano)},
			":e": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if isConditionFailure(err) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("rebase budget %s: %w", entityID, err)
	}
	return nil
}

func (s *Store) ResetApprovedSpend(ctx context.Context, entityID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(budgetPartition, entityID),
		UpdateExpression:    aws.String("SET accruedApprovedSpend = :a"),
		ConditionExpression: aws.String("attribute_exists(partitionKey)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: decimal.Zero.String()},
		},
	})
	if isConditionFailure(err) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reset approved spend for %s: %w", entityID, err)
	}
	return nil
}

func (s *Store) PutRequest(ctx context.Context, r *ledger.Request) error {
	item, err := attributevalue.MarshalMap(toRequestRecord(r))
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", r.ID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put request %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*ledger.Request, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(requestPartition, id),
	})
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, ledger.ErrNotFound
	}
	var rec requestRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal request %s: %w", id, err)
	}
	return fromRequestRecord(&rec)
}

func (s *Store) ListRequestsByStatus(ctx context.Context, status ledger.RequestStatus) ([]*ledger.Request, error) {
	var requests []*ledger.Request
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(statusIndexName),
			KeyConditionExpression: aws.String("requestStatus = :s"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s": &types.AttributeValueMemberS{Value: string(status)},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s requests: %w", status, err)
		}
		for _, item := range out.Items {
			var rec requestRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal request: %w", err)
			}
			r, err := fromRequestRecord(&rec)
			if err != nil {
				return nil, err
			}
			requests = append(requests, r)
		}
		if out.LastEvaluatedKey == nil {
			return requests, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *Store) UpdateRequest(ctx context.Context, id string, upd ledger.RequestUpdate) error {
	var sets []string
	values := map[string]types.AttributeValue{}
	names := map[string]string{}

	if upd.Status != nil {
		sets = append(sets, "#st = :st")
		names["#st"] = "requestStatus"
		values[":st"] = &types.AttributeValueMemberS{Value: string(*upd.Status)}
	}
	if upd.EntityID != nil {
		sets = append(sets, "businessEntityId = :eid")
		values[":eid"] = &types.AttributeValueMemberS{Value: *upd.EntityID}
	}
	if upd.ResourceStatus != nil {
		sets = append(sets, "resourceStatus = :rs")
		values[":rs"] = &types.AttributeValueMemberS{Value: string(*upd.ResourceStatus)}
	}
	if upd.ApprovedAt != nil {
		sets = append(sets, "requestApprovalTime = :apt")
		values[":apt"] = &types.AttributeValueMemberS{Value: upd.ApprovedAt.Format(time.RFC3339Nano)}
	}
	if upd.RejectedAt != nil {
		sets = append(sets, "requestRejectionTime = :rjt")
		values[":rjt"] = &types.AttributeValueMemberS{Value: upd.RejectedAt.Format(time.RFC3339Nano)}
	}
	if upd.TerminatedAt != nil {
		sets = append(sets, "resourceTerminationTime = :trt")
		values[":trt"] = &types.AttributeValueMemberS{Value: upd.TerminatedAt.Format(time.RFC3339Nano)}
	}
	if len(sets) == 0 {
		return nil
	}

	condition := "attribute_exists(partitionKey)"
	if len(upd.ExpectStatus) > 0 {
		placeholders := make([]string, len(upd.ExpectStatus))
		for i, st := range upd.ExpectStatus {
			ph := fmt.Sprintf(":exp%d", i)
			placeholders[i] = ph
			values[ph] = &types.AttributeValueMemberS{Value: string(st)}
		}
		names["#cur"] = "requestStatus"
		condition += " AND #cur IN (" + strings.Join(placeholders, ", ") + ")"
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(requestPartition, id),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	_, err := s.client.UpdateItem(ctx, input)
	if isConditionFailure(err) {
		if len(upd.ExpectStatus) > 0 {
			return ledger.ErrPreconditionFailed
		}
		return ledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	return nil
}

func itemKey(partition, rangeKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"partitionKey": &types.AttributeValueMemberS{Value: partition},
		"rangeKey":     &types.AttributeValueMemberS{Value: rangeKey},
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func toBudgetRecord(b *ledger.Budget) *budgetRecord {
	rec := &budgetRecord{
		PartitionKey:           budgetPartition,
		RangeKey:               b.ID,
		EntityName:             b.EntityName,
		BudgetName:             b.BudgetName,
		BudgetLimit:            b.BudgetLimit.String(),
		ActualSpend:            b.ActualSpend.String(),
		ForecastedSpend:        b.ForecastedSpend.String(),
		AccruedForecastedSpend: b.AccruedForecastedSpend.String(),
		AccruedBlockedSpend:    b.AccruedBlockedSpend.String(),
		AccruedApprovedSpend:   b.AccruedApprovedSpend.String(),
		ForecastProcessed:      b.ForecastProcessed,
		NotifyTopicARN:         b.NotifyTopicARN,
		ApproverEmail:          b.ApproverEmail,
		Version:                b.Version,
	}
	if b.ForecastProcessedAt != nil {
		rec.ForecastProcessedAt = b.ForecastProcessedAt.Format(time.RFC3339Nano)
	}
	if !b.UpdatedAt.IsZero() {
		rec.UpdatedAt = b.UpdatedAt.Format(time.RFC3339Nano)
	}
	return rec
}

func fromBudgetRecord(rec *budgetRecord) (*ledger.Budget, error) {
	b := &ledger.Budget{
		ID:                rec.RangeKey,
		EntityName:        rec.EntityName,
		BudgetName:        rec.BudgetName,
		ForecastProcessed: rec.ForecastProcessed,
		NotifyTopicARN:    rec.NotifyTopicARN,
		ApproverEmail:     rec.ApproverEmail,
		Version:           rec.Version,
	}
	var err error
	if b.BudgetLimit, err = parseDecimal(rec.BudgetLimit); err != nil {
		return nil, fmt.Errorf("budget %s limit: %w", rec.RangeKey, err)
	}
	if b.ActualSpend, err = parseDecimal(rec.ActualSpend); err != nil {
		return nil, fmt.Errorf("budget %s actual spend: %w", rec.RangeKey, err)
	}
	if b.ForecastedSpend, err = parseDecimal(rec.ForecastedSpend); err != nil {
		return nil, fmt.Errorf("budget %s forecasted spend: %w", rec.RangeKey, err)
	}
	if b.AccruedForecastedSpend, err = parseDecimal(rec.AccruedForecastedSpend); err != nil {
		return nil, fmt.Errorf("budget %s accrued forecast: %w", rec.RangeKey, err)
	}
	if b.AccruedBlockedSpend, err = parseDecimal(rec.AccruedBlockedSpend); err != nil {
		return nil, fmt.Errorf("budget %s accrued blocked: %w", rec.RangeKey, err)
	}
	if b.AccruedApprovedSpend, err = parseDecimal(rec.AccruedApprovedSpend); err != nil {
		return nil, fmt.Errorf("budget %s accrued approved: %w", rec.RangeKey, err)
	}
	if t, ok := parseTime(rec.ForecastProcessedAt); ok {
		b.ForecastProcessedAt = &t
	}
	if t, ok := parseTime(rec.UpdatedAt); ok {
		b.UpdatedAt = t
	}
	return b, nil
}

func toRequestRecord(r *ledger.Request) *requestRecord {
	rec := &requestRecord{
		PartitionKey:   requestPartition,
		RangeKey:       r.ID,
		Entity:         r.Entity,
		EntityID:       r.EntityID,
		Status:         string(r.Status),
		ResourceStatus: string(r.ResourceStatus),
		Pricing: pricingRecord{
			InstanceType:      r.Pricing.InstanceType,
			OperatingSystem:   r.Pricing.OperatingSystem,
			TermType:          r.Pricing.TermType,
			UnitPrice:         r.Pricing.UnitPrice.String(),
			CurrentMonth:      r.Pricing.CurrentMonth.String(),
			MonthlyEquivalent: r.Pricing.MonthlyEquivalent.String(),
			NextMonth:         r.Pricing.NextMonth.String(),
			HoursLeft:         r.Pricing.HoursLeft,
		},
		RequestorEmail: r.RequestorEmail,
		ProductName:    r.ProductName,
		Payload:        r.Payload,
		ApprovalURL:    r.ApprovalURL,
		RejectionURL:   r.RejectionURL,
		WaitURL:        r.WaitURL,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339Nano),
	}
	if !r.Pricing.QuotedAt.IsZero() {
		rec.Pricing.QuotedAt = r.Pricing.QuotedAt.Format(time.RFC3339Nano)
	}
	if r.ApprovedAt != nil {
		rec.ApprovedAt = r.ApprovedAt.Format(time.RFC3339Nano)
	}
	if r.RejectedAt != nil {
		rec.RejectedAt = r.RejectedAt.Format(time.RFC3339Nano)
	}
	if r.TerminatedAt != nil {
		rec.TerminatedAt = r.TerminatedAt.Format(time.RFC3339Nano)
	}
	return rec
}

func fromRequestRecord(rec *requestRecord) (*ledger.Request, error) {
	r := &ledger.Request{
		ID:             rec.RangeKey,
		Entity:         rec.Entity,
		EntityID:       rec.EntityID,
		Status:         ledger.RequestStatus(rec.Status),
		ResourceStatus: ledger.ResourceStatus(rec.ResourceStatus),
		RequestorEmail: rec.RequestorEmail,
		ProductName:    rec.ProductName,
		Payload:        rec.Payload,
		ApprovalURL:    rec.ApprovalURL,
		RejectionURL:   rec.RejectionURL,
		WaitURL:        rec.WaitURL,
	}
	var err error
	if r.Pricing.UnitPrice, err = parseDecimal(rec.Pricing.UnitPrice); err != nil {
		return nil, fmt.Errorf("request %s unit price: %w", rec.RangeKey, err)
	}
	if r.Pricing.CurrentMonth, err = parseDecimal(rec.Pricing.CurrentMonth); err != nil {
		return nil, fmt.Errorf("request %s current month price: %w", rec.RangeKey, err)
	}
	if r.Pricing.MonthlyEquivalent, err = parseDecimal(rec.Pricing.MonthlyEquivalent); err != nil {
		return nil, fmt.Errorf("request %s monthly price: %w", rec.RangeKey, err)
	}
	if r.Pricing.NextMonth, err = parseDecimal(rec.Pricing.NextMonth); err != nil {
		return nil, fmt.Errorf("request %s next month price: %w", rec.RangeKey, err)
	}
	r.Pricing.InstanceType = rec.Pricing.InstanceType
	r.Pricing.OperatingSystem = rec.Pricing.OperatingSystem
	r.Pricing.TermType = rec.Pricing.TermType
	r.Pricing.HoursLeft = rec.Pricing.HoursLeft
	if t, ok := parseTime(rec.Pricing.QuotedAt); ok {
		r.Pricing.QuotedAt = t
	}
	if t, ok := parseTime(rec.CreatedAt); ok {
		r.CreatedAt = t
	}
	if t, ok := parseTime(rec.ApprovedAt); ok {
		r.ApprovedAt = &t
	}
	if t, ok := parseTime(rec.RejectedAt); ok {
		r.RejectedAt = &t
	}
	if t, ok := parseTime(rec.TerminatedAt); ok {
		r.TerminatedAt = &t
	}
	return r, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var _ ledger.Store = (*Store)(nil)
