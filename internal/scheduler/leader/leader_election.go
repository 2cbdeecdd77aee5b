// Package leader elects the scheduler instance that runs the scheduling loops when several instances share a
// postgres database.
package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrLostLeadership = errors.New("another instance has taken over leadership")

// claimSql takes or renews leadership. The row is only written when this instance already leads or the
// current leader has not renewed within the timeout, so at most one instance gets a row back.
// Timestamps come from postgres to avoid depending on the clocks of the instances.
const claimSql = `
INSERT INTO leader_election (singleton, leader_id, last_modified) VALUES (1, $1, now())
ON CONFLICT (singleton) DO UPDATE SET leader_id = $1, last_modified = now()
WHERE leader_election.leader_id = $1 OR leader_election.last_modified < now() - make_interval(secs => $2)
RETURNING leader_id`

type LeaderElection struct {
	db *pgxpool.Pool
	// Id uniquely identifying this instance.
	id uuid.UUID
	// Interval between attempts to become leader and between renewals once leader.
	interval time.Duration
	// Time after which another instance may take over if the leader has not renewed.
	timeout time.Duration
}

func NewLeaderElection(db *pgxpool.Pool, interval, timeout time.Duration) *LeaderElection {
	return &LeaderElection{
		db:       db,
		id:       uuid.New(),
		interval: interval,
		timeout:  timeout,
	}
}

func (srv *LeaderElection) ID() uuid.UUID {
	return srv.id
}

// BecomeLeader returns once this instance has become the leader.
func (srv *LeaderElection) BecomeLeader(ctx context.Context) error {
	ticker := time.NewTicker(srv.interval)
	defer ticker.Stop()
	for {
		isLeader, err := srv.tryClaim(ctx)
		if err != nil {
			return err
		}
		if isLeader {
			log.Infof("instance %s is now the leader", srv.id)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StayLeader renews leadership every interval. It returns ErrLostLeadership if another instance has taken over
// and the context error once the context is done.
func (srv *LeaderElection) StayLeader(ctx context.Context) error {
	ticker := time.NewTicker(srv.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			isLeader, err := srv.tryClaim(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to renew leadership")
				continue
			}
			if !isLeader {
				return errors.WithStack(ErrLostLeadership)
			}
		}
	}
}

func (srv *LeaderElection) tryClaim(ctx context.Context) (bool, error) {
	var leaderID uuid.UUID
	err := srv.db.QueryRow(ctx, claimSql, srv.id, srv.timeout.Seconds()).Scan(&leaderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return leaderID == srv.id, nil
}
