package store

import (
	"context"
	"database/sql"
	"strings"

	"SwapGateway/internal/models"
)

const poolColumns = `id, chain_family, derivation_index, address, is_used, assigned_order::text, created_at`

func scanPoolEntry(row scanner) (*models.WalletPoolEntry, error) {
	var e models.WalletPoolEntry
	var assigned sql.NullString
	if err := row.Scan(&e.ID, &e.Family, &e.DerivationIndex, &e.Address, &e.IsUsed, &assigned, &e.CreatedAt); err != nil {
		return nil, translate(err)
	}
	if assigned.Valid {
		e.AssignedOrder = &assigned.String
	}
	return &e, nil
}

// ClaimFreeAddress binds the lowest free pooled address of family to orderID,
// skipping the addresses in exclude. Concurrent claimers skip rows locked by
// each other, so no address is handed out twice. ErrNotFound means the pool
// has nothing eligible.
func (s *Store) ClaimFreeAddress(ctx context.Context, family, orderID string, exclude []string) (*models.WalletPoolEntry, error) {
	lowered := make([]string, len(exclude))
	for i, a := range exclude {
		lowered[i] = strings.ToLower(strings.TrimSpace(a))
	}
	return scanPoolEntry(s.Pool.QueryRow(ctx, `
		UPDATE wallet_pool SET is_used=true, assigned_order=$2
		WHERE id = (
			SELECT id FROM wallet_pool
			WHERE chain_family=$1 AND NOT is_used AND lower(address) <> ALL($3)
			ORDER BY derivation_index
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+poolColumns, family, orderID, lowered))
}

// NextDerivationIndex reserves the next derivation index of family. The
// cursor row is created on first use.
func (s *Store) NextDerivationIndex(ctx context.Context, family string) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO hd_cursors (chain_family, next_index, last_used_at)
		VALUES ($1, 1, now())
		ON CONFLICT (chain_family)
		DO UPDATE SET next_index = hd_cursors.next_index + 1, last_used_at = now()
		RETURNING next_index - 1
	`, family).Scan(&idx)
	return idx, translate(err)
}

func (s *Store) GetCursor(ctx context.Context, family string) (*models.HDCursor, error) {
	var c models.HDCursor
	err := s.Pool.QueryRow(ctx, `SELECT chain_family, next_index, last_used_at FROM hd_cursors WHERE chain_family=$1`, family).
		Scan(&c.Family, &c.NextIndex, &c.LastUsedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// InsertPoolEntry stores a derived address. A duplicate index or address
// returns ErrConflict.
func (s *Store) InsertPoolEntry(ctx context.Context, e *models.WalletPoolEntry) error {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO wallet_pool (chain_family, derivation_index, address, is_used, assigned_order)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`, e.Family, e.DerivationIndex, e.Address, e.IsUsed, e.AssignedOrder).Scan(&e.ID, &e.CreatedAt)
	return translate(err)
}

func (s *Store) AssignPoolEntry(ctx context.Context, id int64, orderID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE wallet_pool SET is_used=true, assigned_order=$2
		WHERE id=$1 AND NOT is_used
	`, id, orderID)
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleasePoolByOrders(ctx context.Context, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE wallet_pool SET is_used=false, assigned_order=NULL
		WHERE assigned_order::text = ANY($1)
	`, orderIDs)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

// ReleasePoolAddress frees one address, but only while it is still bound to
// orderID.
func (s *Store) ReleasePoolAddress(ctx context.Context, family, address, orderID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE wallet_pool SET is_used=false, assigned_order=NULL
		WHERE chain_family=$1 AND lower(address)=lower($2) AND assigned_order::text=$3
	`, family, address, orderID)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseOrphanedPool frees entries still bound to orders that ended in a
// failure state.
func (s *Store) ReleaseOrphanedPool(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE wallet_pool w SET is_used=false, assigned_order=NULL
		FROM orders o
		WHERE w.assigned_order = o.id AND o.status = ANY($1)
	`, statusStrings(models.FailureStatuses))
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountFreeAddresses(ctx context.Context, family string) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM wallet_pool WHERE chain_family=$1 AND NOT is_used`, family).Scan(&n)
	return n, translate(err)
}
