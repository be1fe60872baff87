package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CertificatesRepo struct{ db *pgxpool.Pool }

func NewCertificatesRepo(db *pgxpool.Pool) *CertificatesRepo { return &CertificatesRepo{db: db} }

const certificateColumns = `id, certificate_chain, hash_algorithm, issuer_name_hash, issuer_key_hash, serial_number,
	certificate_type, status, expires_at, charging_station_id, tenant_id, created_at, updated_at`

func (r *CertificatesRepo) Save(ctx context.Context, c *models.Certificate) error {
	_, err := r.db.Exec(ctx, `
		insert into certificates (`+certificateColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, coalesce(nullif($12, '0001-01-01'::timestamptz), now()), now())
		on conflict (id) do update set
		  certificate_chain=excluded.certificate_chain,
		  hash_algorithm=excluded.hash_algorithm,
		  issuer_name_hash=excluded.issuer_name_hash,
		  issuer_key_hash=excluded.issuer_key_hash,
		  serial_number=excluded.serial_number,
		  certificate_type=excluded.certificate_type,
		  status=excluded.status,
		  expires_at=excluded.expires_at,
		  charging_station_id=excluded.charging_station_id,
		  tenant_id=excluded.tenant_id,
		  updated_at=now()
	`, c.ID, c.CertificateChain, c.HashData.HashAlgorithm, c.HashData.IssuerNameHash, c.HashData.IssuerKeyHash, c.HashData.SerialNumber,
		c.CertificateType, string(c.Status), c.ExpiresAt, c.ChargingStationID, c.TenantID, c.CreatedAt)
	return err
}

func (r *CertificatesRepo) Get(ctx context.Context, id string) (*models.Certificate, error) {
	return scanCertificate(r.db.QueryRow(ctx, `select `+certificateColumns+` from certificates where id=$1`, id))
}

func (r *CertificatesRepo) FindActiveByHash(ctx context.Context, issuerNameHash, issuerKeyHash string) (*models.Certificate, error) {
	return scanCertificate(r.db.QueryRow(ctx, `
		select `+certificateColumns+` from certificates
		where issuer_name_hash=$1 and issuer_key_hash=$2 and status='active'
		order by updated_at desc
		limit 1
	`, issuerNameHash, issuerKeyHash))
}

func (r *CertificatesRepo) FindIDBySerialNumber(ctx context.Context, serialNumber string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `select id from certificates where serial_number=$1 order by updated_at desc limit 1`, serialNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (r *CertificatesRepo) UpdateStatus(ctx context.Context, id string, status models.CertificateStatus) error {
	_, err := r.db.Exec(ctx, `update certificates set status=$2, updated_at=now() where id=$1`, id, string(status))
	return err
}

func (r *CertificatesRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `delete from certificates where id=$1`, id)
	return err
}

// ExpireOutdated flags active certificates past their expiry.
func (r *CertificatesRepo) ExpireOutdated(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `update certificates set status='expired', updated_at=now() where status='active' and expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanCertificate(row pgx.Row) (*models.Certificate, error) {
	var c models.Certificate
	var status string
	if err := row.Scan(&c.ID, &c.CertificateChain, &c.HashData.HashAlgorithm, &c.HashData.IssuerNameHash, &c.HashData.IssuerKeyHash,
		&c.HashData.SerialNumber, &c.CertificateType, &status, &c.ExpiresAt, &c.ChargingStationID, &c.TenantID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Status = models.CertificateStatus(status)
	return &c, nil
}
