package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"iam-advisor/internal/models"
)

const (
	maxServiceNameLen      = 128
	maxServiceNamespaceLen = 64

	// RecentUsageWindow is how far back a service use counts as recent when
	// combining results.
	RecentUsageWindow = 90 * 24 * time.Hour
)

var (
	// ErrCombineCountTooSmall is returned when a combined query does not
	// fetch every matching identity in one page.
	ErrCombineCountTooSmall = errors.New("count too small to combine results")
	// ErrInvalidQuery is returned for malformed query filters.
	ErrInvalidQuery = errors.New("invalid query")
)

// Store records the service usage of one identity. Within the identity each
// service namespace keeps a single row which follows these rules: a newer
// timestamp replaces the stored one; a zero timestamp over a non-zero one
// resets it to zero, since the provider stops reporting uses that have aged
// out; an older non-zero timestamp is rejected and logged.
func (db *DB) Store(ctx context.Context, arn string, records []models.ServiceAccessRecord) (err error) {
	ctx, span := startTrace(ctx, "Store")
	defer span.End()
	span.SetAttributes(attribute.String("arn", arn), attribute.Int("records", len(records)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stbl := sq.StatementBuilder.RunWith(tx)

	_, err = stbl.Insert("aws_iam_object").
		Columns("arn", "last_updated").
		Values(arn, time.Now().UTC()).
		Suffix("ON CONFLICT (arn) DO UPDATE SET last_updated = excluded.last_updated").
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upsert iam object %s: %w", arn, err)
	}

	var itemID int64
	err = stbl.Select("id").
		From("aws_iam_object").
		Where(sq.Eq{"arn": arn}).
		QueryRowContext(ctx).
		Scan(&itemID)
	if err != nil {
		return fmt.Errorf("read iam object %s: %w", arn, err)
	}

	for _, rec := range records {
		if err := db.storeRecord(ctx, stbl, itemID, arn, rec); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *DB) storeRecord(ctx context.Context, stbl sq.StatementBuilderType, itemID int64, arn string, rec models.ServiceAccessRecord) error {
	name := truncate(rec.ServiceName, maxServiceNameLen)
	namespace := truncate(rec.ServiceNamespace, maxServiceNamespaceLen)

	var stored int64
	err := stbl.Select("last_authenticated").
		From("advisor_data").
		Where(sq.Eq{"item_id": itemID, "service_namespace": namespace}).
		QueryRowContext(ctx).
		Scan(&stored)

	switch {
	case isNoRows(err):
		_, err = stbl.Insert("advisor_data").
			Columns("item_id", "last_authenticated", "service_name", "service_namespace",
				"last_authenticated_entity", "total_authenticated_entities").
			Values(itemID, rec.LastAuthenticated, name, namespace,
				nullString(rec.LastAuthenticatedEntity), rec.TotalAuthenticatedEntities).
			ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("insert advisor data %s %s: %w", arn, namespace, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read advisor data %s %s: %w", arn, namespace, err)
	}

	switch {
	case rec.LastAuthenticated == stored:
	case rec.LastAuthenticated > stored:
		_, err = stbl.Update("advisor_data").
			Set("last_authenticated", rec.LastAuthenticated).
			Set("service_name", name).
			Set("last_authenticated_entity", nullString(rec.LastAuthenticatedEntity)).
			Set("total_authenticated_entities", rec.TotalAuthenticatedEntities).
			Where(sq.Eq{"item_id": itemID, "service_namespace": namespace}).
			ExecContext(ctx)
	case rec.LastAuthenticated == 0:
		db.logger.Warn("previously seen service not accessed within the reporting window, setting to 0",
			zap.String("arn", arn),
			zap.String("service", name),
			zap.Int64("previous", stored))
		_, err = stbl.Update("advisor_data").
			Set("last_authenticated", 0).
			Where(sq.Eq{"item_id": itemID, "service_namespace": namespace}).
			ExecContext(ctx)
	case rec.LastAuthenticated < stored:
		db.logger.Error("received an older time than previously seen",
			zap.String("arn", arn),
			zap.String("service", name),
			zap.Int64("received", rec.LastAuthenticated),
			zap.Int64("stored", stored))
	}
	if err != nil {
		return fmt.Errorf("update advisor data %s %s: %w", arn, namespace, err)
	}
	return nil
}

type iamObject struct {
	id          int64
	arn         string
	lastUpdated time.Time
}

func roleFilter(q models.RoleQuery) (sq.And, error) {
	where := sq.And{}
	if q.Phrase != "" {
		where = append(where, sq.Like{"LOWER(arn)": "%" + strings.ToLower(q.Phrase) + "%"})
	}
	if len(q.ARNs) > 0 {
		lowered := make([]string, 0, len(q.ARNs))
		for _, arn := range q.ARNs {
			lowered = append(lowered, strings.ToLower(arn))
		}
		where = append(where, sq.Eq{"LOWER(arn)": lowered})
	}
	if q.Regex != "" {
		if _, err := regexp.Compile(q.Regex); err != nil {
			return nil, fmt.Errorf("%w: regex: %v", ErrInvalidQuery, err)
		}
		where = append(where, sq.Expr("arn REGEXP ?", q.Regex))
	}
	return where, nil
}

// GetRoleData returns one page of identities matching q, with their stored
// service usage. Page is 1-based; a zero page or count disables paging.
func (db *DB) GetRoleData(ctx context.Context, q models.RoleQuery) (*models.RoleDataPage, error) {
	ctx, span := startTrace(ctx, "GetRoleData")
	defer span.End()

	if q.Page < 0 || q.Count < 0 {
		return nil, fmt.Errorf("%w: page and count must not be negative", ErrInvalidQuery)
	}

	where, err := roleFilter(q)
	if err != nil {
		return nil, err
	}

	var total int
	err = db.stbl.Select("COUNT(*)").
		From("aws_iam_object").
		Where(where).
		QueryRowContext(ctx).
		Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve roles from database: %w", err)
	}

	query := db.stbl.Select("id", "arn", "last_updated").
		From("aws_iam_object").
		Where(where).
		OrderBy("id")
	if q.Page > 0 && q.Count > 0 {
		query = query.Offset(uint64((q.Page - 1) * q.Count))
	}
	if q.Count > 0 {
		query = query.Limit(uint64(q.Count))
	}

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve roles from database: %w", err)
	}
	defer rows.Close()

	var objects []iamObject
	for rows.Next() {
		var o iamObject
		if err := rows.Scan(&o.id, &o.arn, &o.lastUpdated); err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &models.RoleDataPage{
		Page:  q.Page,
		Total: total,
		Count: len(objects),
		Items: make(map[string][]models.AdvisorData, len(objects)),
	}
	if len(objects) == 0 {
		return page, nil
	}

	byID := make(map[int64]iamObject, len(objects))
	ids := make([]int64, 0, len(objects))
	for _, o := range objects {
		byID[o.id] = o
		ids = append(ids, o.id)
		page.Items[o.arn] = []models.AdvisorData{}
	}

	usage, err := db.stbl.Select("item_id", "last_authenticated", "service_name", "service_namespace",
		"last_authenticated_entity", "total_authenticated_entities").
		From("advisor_data").
		Where(sq.Eq{"item_id": ids}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve advisor data from database: %w", err)
	}
	defer usage.Close()

	for usage.Next() {
		var (
			itemID int64
			entity sql.NullString
			d      models.AdvisorData
		)
		if err := usage.Scan(&itemID, &d.LastAuthenticated, &d.ServiceName, &d.ServiceNamespace,
			&entity, &d.TotalAuthenticatedEntities); err != nil {
			return nil, err
		}
		o := byID[itemID]
		d.LastAuthenticatedEntity = entity.String
		d.LastUpdated = o.lastUpdated
		page.Items[o.arn] = append(page.Items[o.arn], d)
	}
	if err := usage.Err(); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("total", total), attribute.Int("count", page.Count))
	return page, nil
}

// CombineRoleData merges the usage of every identity matching q into one
// entry per service namespace. The most recent use wins and entity counts are
// summed. q must fetch all matching identities in a single page.
func (db *DB) CombineRoleData(ctx context.Context, q models.RoleQuery) (map[string]models.CombinedUsage, error) {
	page, err := db.GetRoleData(ctx, q)
	if err != nil {
		return nil, err
	}
	if page.Total > page.Count {
		return nil, fmt.Errorf("%w: please specify a count of at least %d", ErrCombineCountTooSmall, page.Total)
	}
	return Combine(page.Items, time.Now()), nil
}

// Combine merges usage per service namespace as of now.
func Combine(items map[string][]models.AdvisorData, now time.Time) map[string]models.CombinedUsage {
	arns := make([]string, 0, len(items))
	for arn := range items {
		arns = append(arns, arn)
	}
	sort.Strings(arns)

	usage := make(map[string]models.CombinedUsage)
	for _, arn := range arns {
		for _, d := range items[arn] {
			current, ok := usage[d.ServiceNamespace]
			if !ok {
				usage[d.ServiceNamespace] = models.CombinedUsage{AdvisorData: d}
				continue
			}
			total := current.TotalAuthenticatedEntities + d.TotalAuthenticatedEntities
			if d.LastAuthenticated > current.LastAuthenticated {
				current.AdvisorData = d
			}
			current.TotalAuthenticatedEntities = total
			usage[d.ServiceNamespace] = current
		}
	}

	since := now.Add(-RecentUsageWindow).UnixMilli()
	for namespace, u := range usage {
		u.UsedLast90Days = u.LastAuthenticated > since
		usage[namespace] = u
	}
	return usage
}
