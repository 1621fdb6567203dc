package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

// TenantHeader selects the practice whose billing schema serves a request.
const TenantHeader = "X-Tenant-ID"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName maps a tenant id to its Postgres schema.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

func validateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return errors.Newf("invalid tenant identifier: %q", tenantID)
	}
	return nil
}

// AcquireTenantConn takes a pooled connection and points its search_path at
// the tenant schema. The caller releases it.
func AcquireTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (*pgxpool.Conn, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID))); err != nil {
		conn.Release()
		return nil, errors.Wrapf(err, "set search_path for tenant %s", tenantID)
	}
	return conn, nil
}

// WithTenant stores the tenant id and its connection in ctx.
func WithTenant(ctx context.Context, tenantID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, DBConnKey, conn)
}

// TenantMiddleware resolves the tenant of each request and binds a
// tenant-scoped connection to the request context for its duration.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if err := validateTenantID(tenantID); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := AcquireTenantConn(ctx, pool, tenantID)
			if err != nil {
				logger.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant connection unavailable")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			c.SetRequest(c.Request().WithContext(WithTenant(ctx, tenantID, conn)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// extractTenantID prefers the JWT claim, then the header, then the query string.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get(TenantHeader); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant schema and applies migrations from
// source to it. A nil source only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, source fs.FS) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	schema := SchemaName(tenantID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return errors.Wrapf(err, "create schema %s", schema)
	}
	if source == nil {
		return nil
	}
	if _, err := NewMigrator(pool, source).Up(ctx, schema); err != nil {
		return errors.Wrapf(err, "migrate %s", schema)
	}
	return nil
}

// Tenants enumerates tenant schemas and runs work bound to one of them.
type Tenants struct {
	pool *pgxpool.Pool
}

func NewTenants(pool *pgxpool.Pool) *Tenants {
	return &Tenants{pool: pool}
}

// List returns the ids of all tenant schemas, sorted.
func (t *Tenants) List(ctx context.Context) ([]string, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE 'tenant\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, errors.Wrap(err, "list tenant schemas")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, errors.Wrap(err, "scan tenant schema")
		}
		ids = append(ids, TenantFromSchema(schema))
	}
	return ids, errors.Wrap(rows.Err(), "list tenant schemas")
}

// Run calls fn with a context bound to a connection on the tenant schema.
func (t *Tenants) Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := AcquireTenantConn(ctx, t.pool, tenantID)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(WithTenant(ctx, tenantID, conn))
}

// TenantFromSchema is the inverse of SchemaName.
func TenantFromSchema(schema string) string {
	return strings.TrimPrefix(schema, "tenant_")
}
