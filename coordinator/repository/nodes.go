package repository

import (
	"context"
	"database/sql"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/store"
)

// Registration is the caller-supplied shape for upsertNode; Policy is a
// pointer so the ingest layer can distinguish "omitted" from "zero value".
type Registration struct {
	NodeID       string
	DisplayName  string
	IP           string
	Port         int
	Tags         []string
	Capabilities store.Capabilities
	Policy       *store.Policy
}

// UpsertNode creates or replaces a node row. On create, status is forced
// ONLINE and last_seen/created_at are stamped now. On update, policy is
// preserved unless reg.Policy is non-nil.
func (r *Repository) UpsertNode(ctx context.Context, reg Registration) (store.Node, error) {
	var result store.Node
	err := r.txn(ctx, func(tx *sql.Tx) error {
		now := r.now().UTC()
		existing, err := getNodeTx(ctx, tx, reg.NodeID)
		policy := store.DefaultPolicy()
		createdAt := now

		switch {
		case err == nil:
			policy = existing.Policy
			createdAt = existing.CreatedAt
		case apierr.KindOf(err) == apierr.NotFound:
			// fresh registration, defaults above stand
		default:
			return err
		}
		if reg.Policy != nil {
			policy = *reg.Policy
		}

		capsJSON, err := marshalJSON(reg.Capabilities)
		if err != nil {
			return err
		}
		tagsJSON, err := marshalJSON(reg.Tags)
		if err != nil {
			return err
		}
		policyJSON, err := marshalJSON(policy)
		if err != nil {
			return err
		}
		priorMetrics := store.Metrics{}
		if existing.NodeID != "" {
			priorMetrics = existing.Metrics
		}
		metricsJSON, err := marshalJSON(priorMetrics)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO nodes
			(node_id, display_name, ip, port, status, tags, capabilities, metrics, policy, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				display_name=excluded.display_name,
				ip=excluded.ip,
				port=excluded.port,
				status=excluded.status,
				tags=excluded.tags,
				capabilities=excluded.capabilities,
				policy=excluded.policy,
				last_seen=excluded.last_seen,
				updated_at=excluded.updated_at`,
			reg.NodeID, reg.DisplayName, reg.IP, reg.Port, string(store.NodeOnline),
			tagsJSON, capsJSON, metricsJSON, policyJSON, now, createdAt, now)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "upsert node", err)
		}

		result, err = getNodeTx(ctx, tx, reg.NodeID)
		return err
	})
	if err != nil {
		return store.Node{}, err
	}
	r.bus.Publish(eventbus.TopicNodeUpdate, result.NodeID)
	return result, nil
}

// RecordHeartbeat updates a node's live metrics and forces status to
// ONLINE regardless of prior state (including STALE).
func (r *Repository) RecordHeartbeat(ctx context.Context, nodeID string, metrics store.Metrics) (store.Node, error) {
	var result store.Node
	err := r.txn(ctx, func(tx *sql.Tx) error {
		if _, err := getNodeTx(ctx, tx, nodeID); err != nil {
			return err
		}
		now := r.now().UTC()
		metrics.ReportedAt = now
		metricsJSON, err := marshalJSON(metrics)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE nodes SET metrics=?, status=?, last_seen=?, updated_at=? WHERE node_id=?`,
			metricsJSON, string(store.NodeOnline), now, now, nodeID)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "update heartbeat", err)
		}
		result, err = getNodeTx(ctx, tx, nodeID)
		return err
	})
	if err != nil {
		return store.Node{}, err
	}
	r.bus.Publish(eventbus.TopicNodeUpdate, result.NodeID)
	return result, nil
}

// SetPolicy validates and replaces a node's policy. A tightened cap takes
// effect on the very next pullTask because eligibility is recomputed
// fresh inside that transaction.
func (r *Repository) SetPolicy(ctx context.Context, nodeID string, policy store.Policy) (store.Node, error) {
	if policy.MaxConcurrent < 0 {
		return store.Node{}, apierr.BadRequestf("max_concurrent must be >= 0")
	}
	if policy.CPUCeiling < 0 || policy.CPUCeiling > 100 || policy.RAMCeiling < 0 || policy.RAMCeiling > 100 {
		return store.Node{}, apierr.BadRequestf("cpu/ram ceilings must be within [0,100]")
	}

	var result store.Node
	err := r.txn(ctx, func(tx *sql.Tx) error {
		if _, err := getNodeTx(ctx, tx, nodeID); err != nil {
			return err
		}
		policyJSON, err := marshalJSON(policy)
		if err != nil {
			return err
		}
		now := r.now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE nodes SET policy=?, updated_at=? WHERE node_id=?`, policyJSON, now, nodeID)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "update policy", err)
		}
		result, err = getNodeTx(ctx, tx, nodeID)
		return err
	})
	if err != nil {
		return store.Node{}, err
	}
	r.bus.Publish(eventbus.TopicNodeUpdate, result.NodeID)
	return result, nil
}

// GetNode returns a single node by id.
func (r *Repository) GetNode(ctx context.Context, nodeID string) (store.Node, error) {
	var result store.Node
	err := r.txn(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = getNodeTx(ctx, tx, nodeID)
		return err
	})
	return result, err
}

// ListNodes returns every registered node.
func (r *Repository) ListNodes(ctx context.Context) ([]store.Node, error) {
	rows, err := r.db.QueryContext(ctx, nodeSelectColumns+` FROM nodes ORDER BY node_id ASC`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list nodes", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

const nodeSelectColumns = `SELECT node_id, display_name, ip, port, status, tags, capabilities, metrics, policy, last_seen, created_at, updated_at`

func getNodeTx(ctx context.Context, tx *sql.Tx, nodeID string) (store.Node, error) {
	row := tx.QueryRowContext(ctx, nodeSelectColumns+` FROM nodes WHERE node_id=?`, nodeID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return store.Node{}, apierr.NotFoundf("node %q not found", nodeID)
	}
	if err != nil {
		return store.Node{}, apierr.Wrap(apierr.Internal, "scan node", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (store.Node, error) {
	var n store.Node
	var tagsJSON, capsJSON, metricsJSON, policyJSON string
	var lastSeen sql.NullTime
	err := row.Scan(&n.NodeID, &n.DisplayName, &n.IP, &n.Port, &n.Status, &tagsJSON,
		&capsJSON, &metricsJSON, &policyJSON, &lastSeen, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return store.Node{}, err
	}
	if lastSeen.Valid {
		n.LastSeen = lastSeen.Time
	}
	if err := unmarshalJSON(tagsJSON, &n.Tags); err != nil {
		return store.Node{}, err
	}
	if err := unmarshalJSON(capsJSON, &n.Capabilities); err != nil {
		return store.Node{}, err
	}
	if err := unmarshalJSON(metricsJSON, &n.Metrics); err != nil {
		return store.Node{}, err
	}
	if err := unmarshalJSON(policyJSON, &n.Policy); err != nil {
		return store.Node{}, err
	}
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]store.Node, error) {
	var out []store.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan node", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
