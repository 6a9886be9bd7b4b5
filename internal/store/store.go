// Package store is the Event Store: the single durable, cross-process
// readable home for enriched events and detector findings (spec §4.3).
// Grounded on the teacher's internal/alerts/history.go for its shape —
// a component owning a durable resource with a periodic retention sweep
// and a Stop() that flushes once more — with the persistence mechanism
// swapped from JSON-file-with-backup to database/sql over modernc.org/sqlite
// so concurrent readers (the health surface, a future CLI) can query the
// store without taking an in-process lock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/corvid-net/sentinel/internal/clock"
	"github.com/corvid-net/sentinel/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id INTEGER PRIMARY KEY,
	event_time INTEGER NOT NULL,
	location_id INTEGER NOT NULL,
	victim_entity_id INTEGER NOT NULL,
	victim_org_id INTEGER NOT NULL,
	victim_alliance_id INTEGER,
	attacker_count INTEGER NOT NULL,
	attacker_org_ids TEXT NOT NULL,
	attacker_alliance_ids TEXT NOT NULL,
	attacker_vehicle_type_ids TEXT NOT NULL,
	final_attacker_vehicle_id INTEGER NOT NULL,
	total_value REAL NOT NULL,
	is_minor_kill INTEGER NOT NULL,
	ingested_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_location_time ON events(location_id, event_time);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_time);

CREATE TABLE IF NOT EXISTS event_attacker_orgs (
	event_id INTEGER NOT NULL,
	org_id INTEGER NOT NULL,
	PRIMARY KEY (event_id, org_id)
);
CREATE INDEX IF NOT EXISTS idx_event_attacker_orgs_org ON event_attacker_orgs(org_id);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	location_id INTEGER NOT NULL,
	window_seconds INTEGER NOT NULL,
	kill_count INTEGER NOT NULL,
	attacker_org_ids TEXT NOT NULL,
	attacker_vehicle_type_ids TEXT NOT NULL,
	confidence TEXT NOT NULL,
	last_event_time INTEGER NOT NULL,
	is_chain_area_attack INTEGER NOT NULL,
	force_asymmetry REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_created ON findings(created_at);

CREATE TABLE IF NOT EXISTS cursors (
	queue_id TEXT PRIMARY KEY,
	last_event_time INTEGER NOT NULL,
	last_successful_poll_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_lock (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed Event Store. A single process should own
// writes; the single-writer discipline is enforced by AcquireLock, not by
// the database itself, since SQLite in WAL mode permits concurrent readers
// regardless.
type Store struct {
	db    *sql.DB
	clock clock.Clock

	mu         sync.Mutex
	stopSweep  chan struct{}
	sweepDone  chan struct{}
}

// Open opens (creating if necessary) the SQLite store at path, enables WAL
// mode, and ensures the schema exists.
func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	if clk == nil {
		clk = clock.System
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.stopSweep != nil {
		close(s.stopSweep)
		<-s.sweepDone
		s.stopSweep = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

// AcquireLock claims the named pipeline lock for holder, failing if another
// holder already owns it. This is the single-writer discipline the spec's
// Open Question on cross-instance store sharing resolves to: a row in
// pipeline_lock, not a filesystem advisory lock, so it works the same way
// whether the store is local or on a network share.
func (s *Store) AcquireLock(ctx context.Context, name, holder string) error {
	now := s.clock.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_lock(name, holder, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at
		 WHERE pipeline_lock.holder = excluded.holder`,
		name, holder, now)
	if err != nil {
		return fmt.Errorf("store: acquire lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT holder FROM pipeline_lock WHERE name = ?`, name).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO pipeline_lock(name, holder, acquired_at) VALUES (?, ?, ?)`, name, holder, now)
		if err != nil {
			return fmt.Errorf("store: acquire lock race: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: check lock: %w", err)
	}
	if existing == holder {
		return nil
	}
	return fmt.Errorf("store: lock %q held by %q", name, existing)
}

// ReleaseLock releases a lock previously claimed by holder.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_lock WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// InsertEvent persists an enriched event, idempotently (repeated inserts of
// the same event_id are no-ops), per spec §4.3's dedup-by-event-id rule.
func (s *Store) InsertEvent(ctx context.Context, e *domain.Event) error {
	if err := e.Valid(); err != nil {
		return fmt.Errorf("store: invalid event: %w", err)
	}
	orgIDs, err := encodeInt64Set(e.AttackerOrgIDs)
	if err != nil {
		return err
	}
	allianceIDs, err := encodeInt64Set(e.AttackerAllianceIDs)
	if err != nil {
		return err
	}
	vehicleIDs, err := encodeInt64Set(e.AttackerVehicleTypeIDs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: insert event: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, event_time, location_id, victim_entity_id, victim_org_id,
			victim_alliance_id, attacker_count, attacker_org_ids, attacker_alliance_ids,
			attacker_vehicle_type_ids, final_attacker_vehicle_id, total_value,
			is_minor_kill, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		e.EventID, e.EventTime.UnixNano(), e.LocationID, e.VictimEntityID, e.VictimOrgID,
		nullableInt64(e.VictimAllianceID), e.AttackerCount, orgIDs, allianceIDs,
		vehicleIDs, e.FinalAttackerVehicleID, e.TotalValue,
		boolToInt(e.IsMinorKill), e.IngestedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}

	// Only a freshly-inserted event needs its attacker-org join rows; a
	// duplicate event_id means they were already written the first time.
	if n, _ := res.RowsAffected(); n > 0 {
		for orgID := range e.AttackerOrgIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_attacker_orgs (event_id, org_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				e.EventID, orgID); err != nil {
				return fmt.Errorf("store: insert attacker org link: %w", err)
			}
		}
	}

	return tx.Commit()
}

// QueryWindow returns events for a location within [since, until), ordered
// by event_time ascending, for the detector's rolling window scans.
func (s *Store) QueryWindow(ctx context.Context, locationID int64, since, until time.Time) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_time, location_id, victim_entity_id, victim_org_id,
			victim_alliance_id, attacker_count, attacker_org_ids, attacker_alliance_ids,
			attacker_vehicle_type_ids, final_attacker_vehicle_id, total_value,
			is_minor_kill, ingested_at
		FROM events
		WHERE location_id = ? AND event_time >= ? AND event_time < ?
		ORDER BY event_time ASC`,
		locationID, since.UnixNano(), until.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: query window: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QuerySince returns all events with event_time >= since across all
// locations, ordered by event_time ascending.
func (s *Store) QuerySince(ctx context.Context, since time.Time, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_time, location_id, victim_entity_id, victim_org_id,
			victim_alliance_id, attacker_count, attacker_org_ids, attacker_alliance_ids,
			attacker_vehicle_type_ids, final_attacker_vehicle_id, total_value,
			is_minor_kill, ingested_at
		FROM events
		WHERE event_time >= ?
		ORDER BY event_time ASC
		LIMIT ?`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query since: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryByAttackerOrg returns events since the given time whose attacker org
// set contains orgID, ordered by event_time ascending — the "secondary
// lookup by attacker organization set (set-contains)" spec §4.3 requires
// alongside the (location_id, event_time) index. Backed by the
// event_attacker_orgs join table populated at InsertEvent time, rather than
// a substring scan over the JSON-encoded set, so the lookup is indexed.
func (s *Store) QueryByAttackerOrg(ctx context.Context, orgID int64, since time.Time) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.event_time, e.location_id, e.victim_entity_id, e.victim_org_id,
			e.victim_alliance_id, e.attacker_count, e.attacker_org_ids, e.attacker_alliance_ids,
			e.attacker_vehicle_type_ids, e.final_attacker_vehicle_id, e.total_value,
			e.is_minor_kill, e.ingested_at
		FROM events e
		JOIN event_attacker_orgs o ON o.event_id = e.event_id
		WHERE o.org_id = ? AND e.event_time >= ?
		ORDER BY e.event_time ASC`,
		orgID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: query by attacker org: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryByLocations implements spec §4.3's query(location_id?, since,
// region_id?): both scope filters are optional, and a region_id is only ever
// a precomputed set of location_ids (resolved via the location->region map
// the orchestrator loads at startup via config.LoadRegionMap), so both
// collapse to the same shape here. Pass a single-element slice for a
// location_id-scoped query, the region's full location_id list for a
// region_id-scoped query, or nil/empty for no location restriction at all.
func (s *Store) QueryByLocations(ctx context.Context, locationIDs []int64, since time.Time) ([]*domain.Event, error) {
	if len(locationIDs) == 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT event_id, event_time, location_id, victim_entity_id, victim_org_id,
				victim_alliance_id, attacker_count, attacker_org_ids, attacker_alliance_ids,
				attacker_vehicle_type_ids, final_attacker_vehicle_id, total_value,
				is_minor_kill, ingested_at
			FROM events
			WHERE event_time >= ?
			ORDER BY event_time ASC`, since.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("store: query by locations: %w", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}

	placeholders := make([]string, len(locationIDs))
	args := make([]any, 0, len(locationIDs)+1)
	args = append(args, since.UnixNano())
	for i, id := range locationIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT event_id, event_time, location_id, victim_entity_id, victim_org_id,
			victim_alliance_id, attacker_count, attacker_org_ids, attacker_alliance_ids,
			attacker_vehicle_type_ids, final_attacker_vehicle_id, total_value,
			is_minor_kill, ingested_at
		FROM events
		WHERE event_time >= ? AND location_id IN (%s)
		ORDER BY event_time ASC`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query by locations: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var out []*domain.Event
	for rows.Next() {
		e := &domain.Event{}
		var eventTime, ingestedAt int64
		var victimAllianceID sql.NullInt64
		var orgIDs, allianceIDs, vehicleIDs string
		var isMinor int
		if err := rows.Scan(&e.EventID, &eventTime, &e.LocationID, &e.VictimEntityID, &e.VictimOrgID,
			&victimAllianceID, &e.AttackerCount, &orgIDs, &allianceIDs, &vehicleIDs,
			&e.FinalAttackerVehicleID, &e.TotalValue, &isMinor, &ingestedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.EventTime = time.Unix(0, eventTime).UTC()
		e.IngestedAt = time.Unix(0, ingestedAt).UTC()
		e.IsMinorKill = isMinor != 0
		if victimAllianceID.Valid {
			v := victimAllianceID.Int64
			e.VictimAllianceID = &v
		}
		var err error
		if e.AttackerOrgIDs, err = decodeInt64Set(orgIDs); err != nil {
			return nil, err
		}
		if e.AttackerAllianceIDs, err = decodeInt64Set(allianceIDs); err != nil {
			return nil, err
		}
		if e.AttackerVehicleTypeIDs, err = decodeInt64Set(vehicleIDs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordFinding persists a detector finding, generating a ULID if the
// finding doesn't already carry an ID (ULIDs sort lexically by creation
// time, useful for cursor-style pagination over findings).
func (s *Store) RecordFinding(ctx context.Context, f *domain.GatecampFinding) error {
	if f.ID == "" {
		f.ID = ulid.Make().String()
	}
	orgIDs, err := encodeInt64Set(f.AttackerOrgIDs)
	if err != nil {
		return err
	}
	vehicleIDs, err := encodeInt64Set(f.AttackerVehicleTypeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO findings (
			id, location_id, window_seconds, kill_count, attacker_org_ids,
			attacker_vehicle_type_ids, confidence, last_event_time,
			is_chain_area_attack, force_asymmetry, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kill_count=excluded.kill_count,
			confidence=excluded.confidence,
			last_event_time=excluded.last_event_time,
			is_chain_area_attack=excluded.is_chain_area_attack,
			force_asymmetry=excluded.force_asymmetry`,
		f.ID, f.LocationID, f.WindowSeconds, f.KillCount, orgIDs, vehicleIDs,
		string(f.Confidence), f.LastEventTime.UnixNano(),
		boolToInt(f.IsChainAreaAttack), f.ForceAsymmetry, f.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: record finding: %w", err)
	}
	return nil
}

// RecentFindings returns the findings for locationID created at or after
// since.
func (s *Store) RecentFindings(ctx context.Context, locationID int64, since time.Time) ([]*domain.GatecampFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, window_seconds, kill_count, attacker_org_ids,
			attacker_vehicle_type_ids, confidence, last_event_time,
			is_chain_area_attack, force_asymmetry, created_at
		FROM findings
		WHERE location_id = ? AND created_at >= ?
		ORDER BY created_at DESC`, locationID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: recent findings: %w", err)
	}
	defer rows.Close()

	var out []*domain.GatecampFinding
	for rows.Next() {
		f := &domain.GatecampFinding{}
		var lastEventTime, createdAt int64
		var orgIDs, vehicleIDs, confidence string
		var isChain int
		if err := rows.Scan(&f.ID, &f.LocationID, &f.WindowSeconds, &f.KillCount, &orgIDs,
			&vehicleIDs, &confidence, &lastEventTime, &isChain, &f.ForceAsymmetry, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan finding: %w", err)
		}
		f.Confidence = domain.Confidence(confidence)
		f.LastEventTime = time.Unix(0, lastEventTime).UTC()
		f.CreatedAt = time.Unix(0, createdAt).UTC()
		f.IsChainAreaAttack = isChain != 0
		var err error
		if f.AttackerOrgIDs, err = decodeInt64Set(orgIDs); err != nil {
			return nil, err
		}
		if f.AttackerVehicleTypeIDs, err = decodeInt64Set(vehicleIDs); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ActiveGatecamps returns findings whose last_event_time falls within
// activeWindow of now, i.e. still "hot" rather than cooled off. This
// supplements the spec's no-acknowledgement-workflow gatecamp findings with
// a still-active/cooled-off distinction a future consumer could surface,
// without adding any acknowledgement state machine.
func (s *Store) ActiveGatecamps(ctx context.Context, now time.Time, activeWindow time.Duration) ([]*domain.GatecampFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, window_seconds, kill_count, attacker_org_ids,
			attacker_vehicle_type_ids, confidence, last_event_time,
			is_chain_area_attack, force_asymmetry, created_at
		FROM findings
		WHERE last_event_time >= ?
		ORDER BY last_event_time DESC`, now.Add(-activeWindow).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: active gatecamps: %w", err)
	}
	defer rows.Close()

	var out []*domain.GatecampFinding
	for rows.Next() {
		f := &domain.GatecampFinding{}
		var lastEventTime, createdAt int64
		var orgIDs, vehicleIDs, confidence string
		var isChain int
		if err := rows.Scan(&f.ID, &f.LocationID, &f.WindowSeconds, &f.KillCount, &orgIDs,
			&vehicleIDs, &confidence, &lastEventTime, &isChain, &f.ForceAsymmetry, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan active gatecamp: %w", err)
		}
		f.Confidence = domain.Confidence(confidence)
		f.LastEventTime = time.Unix(0, lastEventTime).UTC()
		f.CreatedAt = time.Unix(0, createdAt).UTC()
		f.IsChainAreaAttack = isChain != 0
		if f.AttackerOrgIDs, err = decodeInt64Set(orgIDs); err != nil {
			return nil, err
		}
		if f.AttackerVehicleTypeIDs, err = decodeInt64Set(vehicleIDs); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// EventCount and FindingCount partition counts for the health surface
// (spec §4.9's "store counts by partition").
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func (s *Store) FindingCount(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings WHERE created_at >= ?`, since.UnixNano()).Scan(&n)
	return n, err
}

// ReadCursor returns the persisted ingestion cursor for queueID, or the
// zero-value cursor if none has been written yet.
func (s *Store) ReadCursor(ctx context.Context, queueID string) (domain.PipelineCursor, error) {
	c := domain.PipelineCursor{QueueID: queueID}
	var lastEventTime, lastPoll int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_event_time, last_successful_poll_at FROM cursors WHERE queue_id = ?`, queueID).
		Scan(&lastEventTime, &lastPoll)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("store: read cursor: %w", err)
	}
	c.LastEventTime = time.Unix(0, lastEventTime).UTC()
	c.LastSuccessfulPollAt = time.Unix(0, lastPoll).UTC()
	return c, nil
}

// WriteCursor persists the ingestion cursor, overwriting any prior value.
func (s *Store) WriteCursor(ctx context.Context, c domain.PipelineCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (queue_id, last_event_time, last_successful_poll_at)
		VALUES (?, ?, ?)
		ON CONFLICT(queue_id) DO UPDATE SET
			last_event_time=excluded.last_event_time,
			last_successful_poll_at=excluded.last_successful_poll_at`,
		c.QueueID, c.LastEventTime.UnixNano(), c.LastSuccessfulPollAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: write cursor: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes events and findings older than the given
// retention cutoffs, returning the number of rows removed from each table.
func (s *Store) PurgeOlderThan(ctx context.Context, eventCutoff, findingCutoff time.Time) (eventsDeleted, findingsDeleted int64, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_time < ?`, eventCutoff.UnixNano())
	if err != nil {
		return 0, 0, fmt.Errorf("store: purge events: %w", err)
	}
	eventsDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM findings WHERE created_at < ?`, findingCutoff.UnixNano())
	if err != nil {
		return eventsDeleted, 0, fmt.Errorf("store: purge findings: %w", err)
	}
	findingsDeleted, _ = res.RowsAffected()
	return eventsDeleted, findingsDeleted, nil
}

// StartRetentionSweep runs PurgeOlderThan on interval until Close is called,
// mirroring history.go's periodic cleanup goroutine.
func (s *Store) StartRetentionSweep(eventRetention, findingRetention, interval time.Duration) {
	s.mu.Lock()
	if s.stopSweep != nil {
		s.mu.Unlock()
		return
	}
	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	stop := s.stopSweep
	done := s.sweepDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				now := s.clock.Now()
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				ev, fi, err := s.PurgeOlderThan(ctx, now.Add(-eventRetention), now.Add(-findingRetention))
				cancel()
				if err != nil {
					log.Error().Err(err).Msg("store: retention sweep failed")
					continue
				}
				if ev > 0 || fi > 0 {
					log.Info().Int64("events_deleted", ev).Int64("findings_deleted", fi).Msg("store: retention sweep")
				}
			}
		}
	}()
}

func encodeInt64Set(m map[int64]struct{}) (string, error) {
	if len(m) == 0 {
		return "[]", nil
	}
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("store: encode set: %w", err)
	}
	return string(b), nil
}

func decodeInt64Set(s string) (map[int64]struct{}, error) {
	var ids []int64
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("store: decode set: %w", err)
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
