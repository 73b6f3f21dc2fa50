package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/camgate/backend/logging"
	"github.com/camgate/backend/models"
)

// ChannelLister is the part of the device client the registry needs.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
}

// CameraRegistry keeps the local cameras table in step with the channels the
// NVR reports. Only one sync runs at a time; concurrent triggers share the
// result of the sync already in flight.
type CameraRegistry struct {
	db          *sql.DB
	device      ChannelLister
	syncTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	group  singleflight.Group
	syncMu sync.Mutex
	last   atomic.Pointer[models.SyncReport]

	bg     context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewCameraRegistry(db *sql.DB, device ChannelLister, syncTimeout time.Duration) *CameraRegistry {
	if syncTimeout <= 0 {
		syncTimeout = time.Minute
	}
	bg, stop := context.WithCancel(context.Background())
	return &CameraRegistry{
		db:          db,
		device:      device,
		syncTimeout: syncTimeout,
		logger:      logging.WithComponent("registry"),
		now:         func() time.Time { return time.Now().UTC() },
		bg:          bg,
		stop:        stop,
	}
}

// BaseID strips the trailing stream-index character from a channel id, so
// main and sub streams of one camera ("1011", "1012") map to "101".
func BaseID(channelID string) string {
	if len(channelID) <= 1 {
		return channelID
	}
	return channelID[:len(channelID)-1]
}

// DedupChannels keeps the first channel seen for every base id, preserving
// device order.
func DedupChannels(channels []models.Channel) []models.Channel {
	seen := make(map[string]struct{}, len(channels))
	kept := make([]models.Channel, 0, len(channels))
	for _, ch := range channels {
		base := BaseID(ch.ID)
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		kept = append(kept, ch)
	}
	return kept
}

// Sync fetches the channel list and reconciles it into the cameras table in
// a single transaction. An empty device response leaves the table untouched.
func (r *CameraRegistry) Sync(ctx context.Context) (*models.SyncReport, error) {
	ch := r.group.DoChan("sync", func() (any, error) {
		// Detached so a caller that gives up does not abort the sync others joined.
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.syncTimeout)
		defer cancel()
		return r.sync(syncCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.SyncReport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *CameraRegistry) sync(ctx context.Context) (*models.SyncReport, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	channels, err := r.device.ListChannels(ctx)
	if err != nil {
		CameraSyncs.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Msg("channel list failed, cameras left unchanged")
		return nil, fmt.Errorf("camera sync: %w", err)
	}

	report := &models.SyncReport{Reported: len(channels), At: r.now()}
	if len(channels) == 0 {
		report.Skipped = true
		report.Reason = "device reported no channels"
		CameraSyncs.WithLabelValues("skipped").Inc()
		r.logger.Warn().Msg("device reported no channels, cameras left unchanged")
		r.last.Store(report)
		return report, nil
	}

	kept := DedupChannels(channels)
	report.Kept = len(kept)

	if err := r.apply(ctx, kept, report); err != nil {
		CameraSyncs.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Msg("camera sync rolled back")
		return nil, fmt.Errorf("camera sync: %w", err)
	}

	CameraSyncs.WithLabelValues("ok").Inc()
	r.logger.Info().
		Int("reported", report.Reported).
		Int("kept", report.Kept).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("disabled", report.Disabled).
		Msg("cameras synced")
	r.last.Store(report)
	return report, nil
}

type cameraRow struct {
	id        string
	name      string
	enabled   bool
	transport string
}

func (r *CameraRegistry) apply(ctx context.Context, kept []models.Channel, report *models.SyncReport) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	byBase, err := loadRows(ctx, tx)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "UPDATE cameras SET enabled = 0"); err != nil {
		return fmt.Errorf("disabling cameras: %w", err)
	}

	now := r.now().Format(time.RFC3339Nano)
	seen := make(map[string]struct{}, len(kept))
	for _, ch := range kept {
		base := BaseID(ch.ID)
		seen[base] = struct{}{}
		prev, exists := byBase[base]

		switch {
		case !exists:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO cameras (id, base_id, name, enabled, transport, alias, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
				ch.ID, base, ch.Name, ch.Enabled, ch.Transport, now, now)
			if err != nil {
				return fmt.Errorf("inserting camera %s: %w", ch.ID, err)
			}
			report.Created++

		case prev.id == ch.ID && prev.name == ch.Name && prev.enabled == ch.Enabled && prev.transport == ch.Transport:
			// Unchanged: restore the flag without touching updated_at.
			if _, err = tx.ExecContext(ctx, "UPDATE cameras SET enabled = ? WHERE id = ?", ch.Enabled, ch.ID); err != nil {
				return fmt.Errorf("updating camera %s: %w", ch.ID, err)
			}

		default:
			// Matching on base_id also re-keys a row whose first sub-stream changed.
			_, err = tx.ExecContext(ctx,
				`UPDATE cameras SET id = ?, name = ?, enabled = ?, transport = ?, updated_at = ?
				 WHERE base_id = ?`,
				ch.ID, ch.Name, ch.Enabled, ch.Transport, now, base)
			if err != nil {
				return fmt.Errorf("updating camera %s: %w", ch.ID, err)
			}
			report.Updated++
		}
	}

	for base, prev := range byBase {
		if _, ok := seen[base]; !ok && prev.enabled {
			report.Disabled++
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing sync: %w", err)
	}
	return nil
}

func loadRows(ctx context.Context, tx *sql.Tx) (map[string]cameraRow, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, base_id, name, enabled, transport FROM cameras")
	if err != nil {
		return nil, fmt.Errorf("querying cameras: %w", err)
	}
	defer rows.Close()

	byBase := make(map[string]cameraRow)
	for rows.Next() {
		var row cameraRow
		var base string
		if err := rows.Scan(&row.id, &base, &row.name, &row.enabled, &row.transport); err != nil {
			return nil, fmt.Errorf("scanning camera row: %w", err)
		}
		byBase[base] = row
	}
	return byBase, rows.Err()
}

// LastSync returns the report of the most recent successful or skipped sync.
func (r *CameraRegistry) LastSync() *models.SyncReport {
	return r.last.Load()
}

// TriggerSync starts a sync in the background. It is a no-op after Close.
func (r *CameraRegistry) TriggerSync() {
	r.triggerSync(false)
}

// triggerSync with fresh set never joins a sync already in flight, which may
// have read the device before the caller's change. It runs after that one.
func (r *CameraRegistry) triggerSync(fresh bool) {
	if r.closed.Load() {
		return
	}
	if fresh {
		r.group.Forget("sync")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Sync(r.bg); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Msg("background sync failed")
		}
	}()
}

// StartScheduler syncs immediately and then every interval until ctx is done
// or the registry is closed.
func (r *CameraRegistry) StartScheduler(ctx context.Context, interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("scheduled sync failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-r.bg.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Close stops background syncs and waits for them to return.
func (r *CameraRegistry) Close() {
	r.closed.Store(true)
	r.stop()
	r.wg.Wait()
}

const cameraColumns = "id, base_id, name, enabled, transport, alias, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(s rowScanner) (*models.Camera, error) {
	var cam models.Camera
	var alias sql.NullString
	var created, updated string
	if err := s.Scan(&cam.ID, &cam.BaseID, &cam.Name, &cam.Enabled, &cam.Transport, &alias, &created, &updated); err != nil {
		return nil, err
	}
	if alias.Valid {
		cam.Alias = &alias.String
	}
	cam.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	cam.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &cam, nil
}

// List returns every persisted camera, enabled or not, ordered by id.
func (r *CameraRegistry) List(ctx context.Context) ([]models.Camera, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+cameraColumns+" FROM cameras ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying cameras: %w", err)
	}
	defer rows.Close()

	cameras := []models.Camera{}
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning camera row: %w", err)
		}
		cameras = append(cameras, *cam)
	}
	return cameras, rows.Err()
}

func (r *CameraRegistry) Get(ctx context.Context, id string) (*models.Camera, error) {
	cam, err := scanCamera(r.db.QueryRowContext(ctx, "SELECT "+cameraColumns+" FROM cameras WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying camera: %w", err)
	}
	return cam, nil
}

// UpdateAlias sets or clears the operator alias. Sync never touches it.
func (r *CameraRegistry) UpdateAlias(ctx context.Context, id string, req models.UpdateCameraRequest) (*models.Camera, error) {
	var alias any
	if req.Alias != nil {
		if trimmed := strings.TrimSpace(*req.Alias); trimmed != "" {
			alias = trimmed
		}
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE cameras SET alias = ?, updated_at = ? WHERE id = ?",
		alias, r.now().Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("updating alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	return r.Get(ctx, id)
}

// Delete removes a camera and triggers a resync, so a camera the device
// still reports comes back without its alias.
func (r *CameraRegistry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting camera: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	r.logger.Info().Str(logging.FieldChannelID, id).Msg("camera deleted, resyncing")
	r.triggerSync(true)
	return nil
}
