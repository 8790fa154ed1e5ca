package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

var _ storage.Storage = (*Store)(nil)

// New creates a new SQL store and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// Permissions
// ============================================

type permissionRow struct {
	Group             string    `db:"group_name"`
	InstanceTypes     string    `db:"instance_types"`
	OperatingSystems  string    `db:"operating_systems"`
	MaxInstanceCount  int       `db:"max_instance_count"`
	MaxExtensionCount int       `db:"max_extension_count"`
	MaxDaysToExpiry   int       `db:"max_days_to_expiry"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *permissionRow) toDomain() (*domain.PermissionRecord, error) {
	p := &domain.PermissionRecord{
		Group:             r.Group,
		MaxInstanceCount:  r.MaxInstanceCount,
		MaxExtensionCount: r.MaxExtensionCount,
		MaxDaysToExpiry:   r.MaxDaysToExpiry,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.InstanceTypes), &p.InstanceTypes); err != nil {
		return nil, fmt.Errorf("decoding instance types for %s: %w", r.Group, err)
	}
	if err := json.Unmarshal([]byte(r.OperatingSystems), &p.OperatingSystems); err != nil {
		return nil, fmt.Errorf("decoding operating systems for %s: %w", r.Group, err)
	}
	return p, nil
}

const permissionColumns = `group_name, instance_types, operating_systems, max_instance_count, max_extension_count, max_days_to_expiry, updated_at`

func putPermission(ctx context.Context, db dbInterface, p *domain.PermissionRecord) error {
	types, err := json.Marshal(p.InstanceTypes)
	if err != nil {
		return err
	}
	oses, err := json.Marshal(p.OperatingSystems)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO permissions (`+permissionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (group_name) DO UPDATE SET
		   instance_types = excluded.instance_types,
		   operating_systems = excluded.operating_systems,
		   max_instance_count = excluded.max_instance_count,
		   max_extension_count = excluded.max_extension_count,
		   max_days_to_expiry = excluded.max_days_to_expiry,
		   updated_at = excluded.updated_at`,
		p.Group, string(types), string(oses), p.MaxInstanceCount, p.MaxExtensionCount, p.MaxDaysToExpiry, time.Now().UTC())
	return err
}

func (s *Store) PutPermission(ctx context.Context, p *domain.PermissionRecord) error {
	return putPermission(ctx, s.db, p)
}

func getPermission(ctx context.Context, db dbInterface, group string) (*domain.PermissionRecord, error) {
	var row permissionRow
	err := db.GetContext(ctx, &row,
		`SELECT `+permissionColumns+` FROM permissions WHERE group_name = $1`, group)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetPermission(ctx context.Context, group string) (*domain.PermissionRecord, error) {
	return getPermission(ctx, s.db, group)
}

func listPermissions(ctx context.Context, db dbInterface) ([]*domain.PermissionRecord, error) {
	var rows []permissionRow
	if err := db.SelectContext(ctx, &rows,
		`SELECT `+permissionColumns+` FROM permissions ORDER BY group_name`); err != nil {
		return nil, err
	}
	result := make([]*domain.PermissionRecord, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*domain.PermissionRecord, error) {
	return listPermissions(ctx, s.db)
}

func (s *Store) DeletePermission(ctx context.Context, group string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE group_name = $1`, group)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// Regional network profiles
// ============================================

type regionalRow struct {
	Account    string    `db:"account"`
	Region     string    `db:"region"`
	VPCID      string    `db:"vpc_id"`
	SSHKeyName string    `db:"ssh_key_name"`
	SubnetIDs  string    `db:"subnet_ids"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *regionalRow) toDomain() (*domain.RegionalNetworkProfile, error) {
	p := &domain.RegionalNetworkProfile{
		Account:    r.Account,
		Region:     r.Region,
		VPCID:      r.VPCID,
		SSHKeyName: r.SSHKeyName,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.SubnetIDs), &p.SubnetIDs); err != nil {
		return nil, fmt.Errorf("decoding subnets for %s: %w", p.Key(), err)
	}
	return p, nil
}

const regionalColumns = `account, region, vpc_id, ssh_key_name, subnet_ids, updated_at`

func (s *Store) PutRegionalProfile(ctx context.Context, p *domain.RegionalNetworkProfile) error {
	subnets, err := json.Marshal(p.SubnetIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO regional_profiles (`+regionalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account, region) DO UPDATE SET
		   vpc_id = excluded.vpc_id,
		   ssh_key_name = excluded.ssh_key_name,
		   subnet_ids = excluded.subnet_ids,
		   updated_at = excluded.updated_at`,
		p.Account, p.Region, p.VPCID, p.SSHKeyName, string(subnets), time.Now().UTC())
	return err
}

func (s *Store) GetRegionalProfile(ctx context.Context, account, region string) (*domain.RegionalNetworkProfile, error) {
	var row regionalRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+regionalColumns+` FROM regional_profiles WHERE account = $1 AND region = $2`, account, region)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListRegionalProfiles(ctx context.Context) ([]*domain.RegionalNetworkProfile, error) {
	var rows []regionalRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+regionalColumns+` FROM regional_profiles ORDER BY account, region`); err != nil {
		return nil, err
	}
	result := make([]*domain.RegionalNetworkProfile, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// ============================================
// Rentals
// ============================================

const rentalColumns = `id, username, email, group_name, extension_count, expiry, stack_status,
	account, region, availability_zone, instance_type, operating_system, connection_protocol,
	instance_name, instance_id, private_ip, instance_status, created_at, updated_at`

func (s *Store) CreateRental(ctx context.Context, r *domain.RentalRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rentals (`+rentalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.Username, r.Email, r.Group, r.ExtensionCount, r.Expiry.UTC(), r.StackStatus,
		r.Account, r.Region, r.AvailabilityZone, r.InstanceType, r.OperatingSystem, r.ConnectionProtocol,
		r.InstanceName, r.InstanceID, r.PrivateIP, r.InstanceStatus, r.CreatedAt, r.UpdatedAt)
	return wrapUniqueError(err)
}

func getRental(ctx context.Context, db dbInterface, id string) (*domain.RentalRecord, error) {
	var r domain.RentalRecord
	err := db.GetContext(ctx, &r, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return &r, err
}

func (s *Store) GetRental(ctx context.Context, id string) (*domain.RentalRecord, error) {
	return getRental(ctx, s.db, id)
}

func (s *Store) ListRentals(ctx context.Context, filter domain.RentalFilter) ([]*domain.RentalRecord, error) {
	var (
		rentals []*domain.RentalRecord
		err     error
	)
	if filter.OwnerEmail != "" {
		err = s.db.SelectContext(ctx, &rentals,
			`SELECT `+rentalColumns+` FROM rentals WHERE LOWER(email) = LOWER($1) ORDER BY created_at, id`, filter.OwnerEmail)
	} else {
		err = s.db.SelectContext(ctx, &rentals, `SELECT `+rentalColumns+` FROM rentals ORDER BY created_at, id`)
	}
	if err != nil {
		return nil, err
	}
	return rentals, nil
}

// UpdateRental issues a single conditional UPDATE so that concurrent
// writers never interleave partial field sets.
func (s *Store) UpdateRental(ctx context.Context, id string, update domain.RentalUpdate) (*domain.RentalRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args := buildRentalUpdate(id, update)
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()

	current, err := getRental(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

func buildRentalUpdate(id string, u domain.RentalUpdate) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if u.StackStatus != nil {
		add("stack_status", *u.StackStatus)
	}
	if u.InstanceStatus != nil {
		add("instance_status", *u.InstanceStatus)
	}
	if u.InstanceType != nil {
		add("instance_type", *u.InstanceType)
	}
	if u.InstanceID != nil {
		add("instance_id", *u.InstanceID)
	}
	if u.PrivateIP != nil {
		add("private_ip", *u.PrivateIP)
	}
	if u.AvailabilityZone != nil {
		add("availability_zone", *u.AvailabilityZone)
	}
	if u.ExtensionCount != nil {
		add("extension_count", *u.ExtensionCount)
	}
	if u.Expiry != nil {
		add("expiry", u.Expiry.UTC())
	}
	if u.Account != nil {
		add("account", *u.Account)
	}
	if u.Region != nil {
		add("region", *u.Region)
	}
	if u.InstanceName != nil {
		add("instance_name", *u.InstanceName)
	}
	if u.OperatingSystem != nil {
		add("operating_system", *u.OperatingSystem)
	}
	if u.ConnectionProtocol != nil {
		add("connection_protocol", *u.ConnectionProtocol)
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if u.IfExtensionCount != nil {
		args = append(args, *u.IfExtensionCount)
		where += fmt.Sprintf(" AND extension_count = $%d", len(args))
	}
	return "UPDATE rentals SET " + strings.Join(sets, ", ") + " WHERE " + where, args
}

func (s *Store) DeleteRental(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rentals WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
