package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// PublicationManager administers the publication a stream subscribes to:
// creating it if missing and adding or removing member tables. It runs on a
// regular (non-replication) connection.
type PublicationManager struct {
	db      *sql.DB
	pubName string
	logger  logrus.FieldLogger
}

// NewPublicationManager creates a manager for the named publication.
func NewPublicationManager(db *sql.DB, pubName string, logger logrus.FieldLogger) *PublicationManager {
	return &PublicationManager{
		db:      db,
		pubName: pubName,
		logger:  logger,
	}
}

// Name returns the managed publication's name.
func (pm *PublicationManager) Name() string {
	return pm.pubName
}

// Ensure creates the publication if it does not exist. The publication is
// created empty so tables can be added selectively.
func (pm *PublicationManager) Ensure(ctx context.Context) error {
	var exists bool
	err := pm.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)`, pm.pubName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("replication: checking publication %q: %w", pm.pubName, err)
	}
	if exists {
		return nil
	}

	_, err = pm.db.ExecContext(ctx, fmt.Sprintf(`CREATE PUBLICATION %s`, quoteIdentifier(pm.pubName)))
	if err != nil {
		// A concurrent creator is fine.
		if hasSQLState(err, sqlstateDuplicateObject) {
			return nil
		}
		return fmt.Errorf("replication: creating publication %q: %w", pm.pubName, err)
	}

	pm.logger.WithField("publication", pm.pubName).Info("created publication")
	return nil
}

// AddTable adds schema.table to the publication. Adding a table that is
// already a member is a no-op.
func (pm *PublicationManager) AddTable(ctx context.Context, schemaName, table string) error {
	query := fmt.Sprintf(`ALTER PUBLICATION %s ADD TABLE %s`,
		quoteIdentifier(pm.pubName), quoteRelation(schemaName, table))

	if _, err := pm.db.ExecContext(ctx, query); err != nil {
		if hasSQLState(err, sqlstateDuplicateObject) {
			return nil
		}
		return fmt.Errorf("replication: adding %s.%s to publication %q: %w", schemaName, table, pm.pubName, err)
	}
	return nil
}

// RemoveTable removes schema.table from the publication. Removing a
// non-member is a no-op.
func (pm *PublicationManager) RemoveTable(ctx context.Context, schemaName, table string) error {
	query := fmt.Sprintf(`ALTER PUBLICATION %s DROP TABLE %s`,
		quoteIdentifier(pm.pubName), quoteRelation(schemaName, table))

	if _, err := pm.db.ExecContext(ctx, query); err != nil {
		if hasSQLState(err, sqlstateUndefinedObject) {
			return nil
		}
		return fmt.Errorf("replication: removing %s.%s from publication %q: %w", schemaName, table, pm.pubName, err)
	}
	return nil
}

// Tables lists the publication's member tables as "schema.table", ordered.
func (pm *PublicationManager) Tables(ctx context.Context) ([]string, error) {
	rows, err := pm.db.QueryContext(ctx, `
		SELECT schemaname, tablename
		FROM pg_publication_tables
		WHERE pubname = $1
		ORDER BY schemaname, tablename`, pm.pubName)
	if err != nil {
		return nil, fmt.Errorf("replication: listing publication tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schemaName, table string
		if err := rows.Scan(&schemaName, &table); err != nil {
			return nil, fmt.Errorf("replication: scanning publication table: %w", err)
		}
		tables = append(tables, schemaName+"."+table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replication: iterating publication tables: %w", err)
	}
	return tables, nil
}

// quoteIdentifier quotes a PostgreSQL identifier, escaping embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteRelation quotes a schema.table pair for SQL.
func quoteRelation(schemaName, table string) string {
	return quoteIdentifier(schemaName) + "." + quoteIdentifier(table)
}

// hasSQLState checks an error for a PostgreSQL SQLSTATE, falling back to a
// substring match for drivers that flatten errors to text.
func hasSQLState(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return strings.Contains(err.Error(), code)
}
