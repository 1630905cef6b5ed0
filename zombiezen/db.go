package zombiezen

import (
	"context"
	"fmt"
	"time"

	acme "github.com/caasmo/restinpieces-certonly"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier        TEXT NOT NULL,
	domains           TEXT NOT NULL,
	certificate_chain TEXT NOT NULL,
	private_key       TEXT NOT NULL,
	issued_at         TEXT NOT NULL,
	expires_at        TEXT NOT NULL,
	created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_certificates_identifier ON certificates (identifier, issued_at);
`

// Db implements the acme.Writer interface using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewWriter creates a new Db instance satisfying the Writer interface.
// It expects the sqlitex.Pool to be created and managed externally.
func NewWriter(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.NewWriter: received nil pool")
	}
	return &Db{pool: pool}
}

// EnsureSchema creates the certificates table when it does not exist.
func (d *Db) EnsureSchema(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("db: failed to create schema: %w", err)
	}
	return nil
}

// AddCert adds a new certificate record to the 'certificates' table.
func (d *Db) AddCert(cert acme.Cert) error {
	conn, err := d.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (
			identifier, domains, certificate_chain, private_key, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				cert.Identifier,
				cert.Domains,
				cert.CertificateChain,
				cert.PrivateKey,
				acme.TimeFormat(cert.IssuedAt),
				acme.TimeFormat(cert.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// Latest returns the most recently issued record for identifier.
// It fails with an error matching acme.ErrNotFound when there is none.
func (d *Db) Latest(ctx context.Context, identifier string) (*acme.Cert, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var (
		cert  *acme.Cert
		scanE error
	)
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domains, certificate_chain, private_key, issued_at, expires_at
		FROM certificates
		WHERE identifier = ?
		ORDER BY issued_at DESC, id DESC
		LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c := acme.Cert{
					ID:               stmt.ColumnInt64(0),
					Identifier:       stmt.ColumnText(1),
					Domains:          stmt.ColumnText(2),
					CertificateChain: stmt.ColumnText(3),
					PrivateKey:       stmt.ColumnText(4),
				}
				if c.IssuedAt, scanE = time.Parse(time.RFC3339, stmt.ColumnText(5)); scanE != nil {
					return scanE
				}
				if c.ExpiresAt, scanE = time.Parse(time.RFC3339, stmt.ColumnText(6)); scanE != nil {
					return scanE
				}
				cert = &c
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to query certificate for identifier %q: %w", identifier, err)
	}
	if cert == nil {
		return nil, &acme.Error{Code: acme.CodeNotFound, Op: "latest certificate", Err: fmt.Errorf("no certificate recorded for %q", identifier)}
	}
	return cert, nil
}
