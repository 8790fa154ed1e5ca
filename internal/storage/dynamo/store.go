// Package dynamo implements storage.Storage on three DynamoDB tables:
// permissions keyed by group, regional metadata keyed by account and
// region, and rental state keyed by stackset id.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/storage"
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Tables names the three tables backing the store.
type Tables struct {
	Permissions string
	Regional    string
	State       string
}

// Store implements storage.Storage with DynamoDB.
type Store struct {
	client API
	tables Tables
}

var _ storage.Storage = (*Store)(nil)

// New creates a store over client.
func New(client API, tables Tables) *Store {
	return &Store{client: client, tables: tables}
}

func (s *Store) Close() error { return nil }

func (s *Store) getItem(ctx context.Context, table string, key map[string]types.AttributeValue, out any) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("getting item from %s: %w", table, err)
	}
	if result.Item == nil {
		return domain.ErrNotFound
	}
	return attributevalue.UnmarshalMap(result.Item, out)
}

func (s *Store) putItem(ctx context.Context, table string, v any, condition string) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("marshaling item for %s: %w", table, err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(table), Item: item}
	if condition != "" {
		in.ConditionExpression = aws.String(condition)
	}
	_, err = s.client.PutItem(ctx, in)
	return err
}

func (s *Store) deleteItem(ctx context.Context, table string, key map[string]types.AttributeValue, keyAttr string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(table),
		Key:                      key,
		ConditionExpression:      aws.String("attribute_exists(#key)"),
		ExpressionAttributeNames: map[string]string{"#key": keyAttr},
	})
	if isConditionFailed(err) {
		return domain.ErrNotFound
	}
	return err
}

// scanAll pages through table and unmarshals each item with decode.
func (s *Store) scanAll(ctx context.Context, table string, decode func(map[string]types.AttributeValue) error) error {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", table, err)
		}
		for _, item := range page.Items {
			if err := decode(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: &types.AttributeValueMemberS{Value: value}}
}

// ============================================
// Permissions
// ============================================

func (s *Store) PutPermission(ctx context.Context, p *domain.PermissionRecord) error {
	record := *p
	record.UpdatedAt = time.Now().UTC()
	return s.putItem(ctx, s.tables.Permissions, &record, "")
}

func (s *Store) GetPermission(ctx context.Context, group string) (*domain.PermissionRecord, error) {
	var p domain.PermissionRecord
	if err := s.getItem(ctx, s.tables.Permissions, stringKey("group", group), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*domain.PermissionRecord, error) {
	var result []*domain.PermissionRecord
	err := s.scanAll(ctx, s.tables.Permissions, func(item map[string]types.AttributeValue) error {
		var p domain.PermissionRecord
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return err
		}
		result = append(result, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Group < result[j].Group })
	return result, nil
}

func (s *Store) DeletePermission(ctx context.Context, group string) error {
	return s.deleteItem(ctx, s.tables.Permissions, stringKey("group", group), "group")
}

// ============================================
// Regional network profiles
// ============================================

func regionalKey(account, region string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"account": &types.AttributeValueMemberS{Value: account},
		"region":  &types.AttributeValueMemberS{Value: region},
	}
}

func (s *Store) PutRegionalProfile(ctx context.Context, p *domain.RegionalNetworkProfile) error {
	profile := *p
	profile.UpdatedAt = time.Now().UTC()
	return s.putItem(ctx, s.tables.Regional, &profile, "")
}

func (s *Store) GetRegionalProfile(ctx context.Context, account, region string) (*domain.RegionalNetworkProfile, error) {
	var p domain.RegionalNetworkProfile
	if err := s.getItem(ctx, s.tables.Regional, regionalKey(account, region), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListRegionalProfiles(ctx context.Context) ([]*domain.RegionalNetworkProfile, error) {
	var result []*domain.RegionalNetworkProfile
	err := s.scanAll(ctx, s.tables.Regional, func(item map[string]types.AttributeValue) error {
		var p domain.RegionalNetworkProfile
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return err
		}
		result = append(result, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result, nil
}

// ============================================
// Rentals
// ============================================

func (s *Store) CreateRental(ctx context.Context, r *domain.RentalRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	err := s.putItem(ctx, s.tables.State, r, "attribute_not_exists(stacksetID)")
	if isConditionFailed(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetRental(ctx context.Context, id string) (*domain.RentalRecord, error) {
	var r domain.RentalRecord
	if err := s.getItem(ctx, s.tables.State, stringKey("stacksetID", id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRentals(ctx context.Context, filter domain.RentalFilter) ([]*domain.RentalRecord, error) {
	var result []*domain.RentalRecord
	err := s.scanAll(ctx, s.tables.State, func(item map[string]types.AttributeValue) error {
		var r domain.RentalRecord
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return err
		}
		if filter.OwnerEmail != "" && !strings.EqualFold(r.Email, filter.OwnerEmail) {
			return nil
		}
		result = append(result, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) UpdateRental(ctx context.Context, id string, update domain.RentalUpdate) (*domain.RentalRecord, error) {
	expr, err := buildUpdate(update, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.State),
		Key:                       stringKey("stacksetID", id),
		UpdateExpression:          aws.String(expr.update),
		ConditionExpression:       aws.String(expr.condition),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		if _, getErr := s.GetRental(ctx, id); errors.Is(getErr, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("updating rental %s: %w", id, err)
	}
	var r domain.RentalRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeleteRental(ctx context.Context, id string) error {
	return s.deleteItem(ctx, s.tables.State, stringKey("stacksetID", id), "stacksetID")
}

type updateExpression struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

func buildUpdate(u domain.RentalUpdate, now time.Time) (*updateExpression, error) {
	expr := &updateExpression{
		condition: "attribute_exists(stacksetID)",
		names:     make(map[string]string),
		values:    make(map[string]types.AttributeValue),
	}
	var sets []string
	add := func(attr string, value any) error {
		av, err := attributevalue.Marshal(value)
		if err != nil {
			return err
		}
		name := "#" + attr
		placeholder := ":" + attr
		expr.names[name] = attr
		expr.values[placeholder] = av
		sets = append(sets, name+" = "+placeholder)
		return nil
	}

	fields := []struct {
		attr  string
		value any
		set   bool
	}{
		{"stackStatus", u.StackStatus, u.StackStatus != nil},
		{"instanceStatus", u.InstanceStatus, u.InstanceStatus != nil},
		{"instanceType", u.InstanceType, u.InstanceType != nil},
		{"instanceId", u.InstanceID, u.InstanceID != nil},
		{"privateIp", u.PrivateIP, u.PrivateIP != nil},
		{"availabilityZone", u.AvailabilityZone, u.AvailabilityZone != nil},
		{"extensionCount", u.ExtensionCount, u.ExtensionCount != nil},
		{"expiry", u.Expiry, u.Expiry != nil},
		{"account", u.Account, u.Account != nil},
		{"region", u.Region, u.Region != nil},
		{"instanceName", u.InstanceName, u.InstanceName != nil},
		{"operatingSystemName", u.OperatingSystem, u.OperatingSystem != nil},
		{"connectionProtocol", u.ConnectionProtocol, u.ConnectionProtocol != nil},
		{"updatedAt", now, true},
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if err := add(f.attr, f.value); err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", f.attr, err)
		}
	}
	expr.update = "SET " + strings.Join(sets, ", ")

	if u.IfExtensionCount != nil {
		av, err := attributevalue.Marshal(*u.IfExtensionCount)
		if err != nil {
			return nil, err
		}
		expr.names["#expectedCount"] = "extensionCount"
		expr.values[":expectedCount"] = av
		expr.condition += " AND #expectedCount = :expectedCount"
	}
	return expr, nil
}
