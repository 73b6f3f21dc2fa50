package services

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camgate/backend/models"
)

type fakeLister struct {
	mu       sync.Mutex
	channels []models.Channel
	err      error
	gate     chan struct{}
	calls    atomic.Int32
}

func (f *fakeLister) set(channels []models.Channel, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels, f.err = channels, err
}

func (f *fakeLister) ListChannels(ctx context.Context) ([]models.Channel, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Channel(nil), f.channels...), f.err
}

func newTestRegistry(t *testing.T, device ChannelLister) *CameraRegistry {
	t.Helper()
	storage, err := NewStorage(filepath.Join(t.TempDir(), "cameras.db"))
	require.NoError(t, err)
	r := NewCameraRegistry(storage.DB(), device, 5*time.Second)
	t.Cleanup(func() {
		r.Close()
		storage.Close()
	})
	return r
}

func listCameras(t *testing.T, r *CameraRegistry) []models.Camera {
	t.Helper()
	cams, err := r.List(context.Background())
	require.NoError(t, err)
	return cams
}

func TestBaseID(t *testing.T) {
	assert.Equal(t, "101", BaseID("1011"))
	assert.Equal(t, "101", BaseID("1012"))
	assert.Equal(t, "10", BaseID("101"))
	assert.Equal(t, "7", BaseID("7"))
}

func TestDedupChannelsKeepsFirstSubstream(t *testing.T) {
	in := []models.Channel{
		{ID: "1011", Name: "Front"},
		{ID: "1012", Name: "Front"},
		{ID: "1021", Name: "Yard"},
		{ID: "1022", Name: "Yard"},
	}
	got := DedupChannels(in)
	want := []models.Channel{{ID: "1011", Name: "Front"}, {ID: "1021", Name: "Yard"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dedup mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncStoresOneRowPerCamera(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{
		{ID: "1011", Name: "Front", Enabled: true, Transport: "RTSP"},
		{ID: "1012", Name: "Front", Enabled: true, Transport: "RTSP"},
	}, nil)
	r := newTestRegistry(t, dev)

	report, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reported)
	assert.Equal(t, 1, report.Kept)
	assert.Equal(t, 1, report.Created)

	cams := listCameras(t, r)
	require.Len(t, cams, 1)
	assert.Equal(t, "1011", cams[0].ID)
	assert.Equal(t, "101", cams[0].BaseID)
	assert.Equal(t, "Front", cams[0].Name)
	assert.True(t, cams[0].Enabled)
	assert.Equal(t, "RTSP", cams[0].Transport)
	assert.Nil(t, cams[0].Alias)
	assert.Same(t, report, r.LastSync())
}

func TestSyncIsIdempotent(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{
		{ID: "1011", Name: "Front", Enabled: true},
		{ID: "1021", Name: "Yard", Enabled: false},
	}, nil)
	r := newTestRegistry(t, dev)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)
	before := listCameras(t, r)

	report, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Disabled)

	if diff := cmp.Diff(before, listCameras(t, r)); diff != "" {
		t.Errorf("second sync changed the table (-before +after):\n%s", diff)
	}
}

func TestSyncFailureLeavesTableUnchanged(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)
	before := listCameras(t, r)
	last := r.LastSync()

	dev.set(nil, ErrDeviceUnreachable)
	_, err = r.Sync(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnreachable)

	if diff := cmp.Diff(before, listCameras(t, r)); diff != "" {
		t.Errorf("failed sync changed the table (-before +after):\n%s", diff)
	}
	assert.Same(t, last, r.LastSync())
}

func TestSyncSkipsEmptyChannelList(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)
	before := listCameras(t, r)

	dev.set([]models.Channel{}, nil)
	report, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.NotEmpty(t, report.Reason)

	if diff := cmp.Diff(before, listCameras(t, r)); diff != "" {
		t.Errorf("skipped sync changed the table (-before +after):\n%s", diff)
	}
}

func TestSyncDisablesCamerasNoLongerReported(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{
		{ID: "1011", Name: "Front", Enabled: true},
		{ID: "1021", Name: "Yard", Enabled: true},
	}, nil)
	r := newTestRegistry(t, dev)
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	report, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Disabled)

	yard, err := r.Get(context.Background(), "1021")
	require.NoError(t, err)
	assert.False(t, yard.Enabled)

	// It comes back enabled once the device reports it again.
	dev.set([]models.Channel{
		{ID: "1011", Name: "Front", Enabled: true},
		{ID: "1021", Name: "Yard", Enabled: true},
	}, nil)
	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	yard, err = r.Get(context.Background(), "1021")
	require.NoError(t, err)
	assert.True(t, yard.Enabled)
}

func TestSyncKeepsAliasAndUpdatesDeviceFields(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	alias := "  Main entrance "
	cam, err := r.UpdateAlias(context.Background(), "1011", models.UpdateCameraRequest{Alias: &alias})
	require.NoError(t, err)
	require.NotNil(t, cam.Alias)
	assert.Equal(t, "Main entrance", *cam.Alias)

	dev.set([]models.Channel{{ID: "1011", Name: "Front Gate", Enabled: true, Transport: "RTSP"}}, nil)
	report, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	cam, err = r.Get(context.Background(), "1011")
	require.NoError(t, err)
	assert.Equal(t, "Front Gate", cam.Name)
	assert.Equal(t, "RTSP", cam.Transport)
	require.NotNil(t, cam.Alias)
	assert.Equal(t, "Main entrance", *cam.Alias)
}

func TestSyncRekeysWhenFirstSubstreamChanges(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	dev.set([]models.Channel{{ID: "1012", Name: "Front", Enabled: true}}, nil)
	_, err = r.Sync(context.Background())
	require.NoError(t, err)

	cams := listCameras(t, r)
	require.Len(t, cams, 1)
	assert.Equal(t, "1012", cams[0].ID)
	assert.Equal(t, "101", cams[0].BaseID)
}

func TestConcurrentSyncsShareOneDeviceCall(t *testing.T) {
	dev := &fakeLister{gate: make(chan struct{})}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)

	const callers = 5
	reports := make([]*models.SyncReport, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := r.Sync(context.Background())
			assert.NoError(t, err)
			reports[i] = rep
		}(i)
	}

	require.Eventually(t, func() bool { return dev.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give the other callers time to join the in-flight sync.
	time.Sleep(50 * time.Millisecond)
	close(dev.gate)
	wg.Wait()

	assert.Equal(t, int32(1), dev.calls.Load())
	for _, rep := range reports[1:] {
		assert.Same(t, reports[0], rep)
	}
	assert.Len(t, listCameras(t, r), 1)
}

func TestSyncCallerGivingUpDoesNotAbortSync(t *testing.T) {
	dev := &fakeLister{gate: make(chan struct{})}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Sync(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return dev.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(dev.gate)
	require.Eventually(t, func() bool { return r.LastSync() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, listCameras(t, r), 1)
}

func TestGetUnknownCamera(t *testing.T) {
	r := newTestRegistry(t, &fakeLister{})
	_, err := r.Get(context.Background(), "999")
	require.ErrorIs(t, err, ErrCameraNotFound)

	alias := "x"
	_, err = r.UpdateAlias(context.Background(), "999", models.UpdateCameraRequest{Alias: &alias})
	require.ErrorIs(t, err, ErrCameraNotFound)
	require.ErrorIs(t, r.Delete(context.Background(), "999"), ErrCameraNotFound)
}

func TestUpdateAliasBlankClears(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	alias := "Lobby"
	_, err = r.UpdateAlias(context.Background(), "1011", models.UpdateCameraRequest{Alias: &alias})
	require.NoError(t, err)

	blank := "   "
	cam, err := r.UpdateAlias(context.Background(), "1011", models.UpdateCameraRequest{Alias: &blank})
	require.NoError(t, err)
	assert.Nil(t, cam.Alias)
}

func TestDeleteResyncsCameraStillOnDevice(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	alias := "Lobby"
	_, err = r.UpdateAlias(context.Background(), "1011", models.UpdateCameraRequest{Alias: &alias})
	require.NoError(t, err)

	require.NoError(t, r.Delete(context.Background(), "1011"))

	require.Eventually(t, func() bool {
		cam, err := r.Get(context.Background(), "1011")
		return err == nil && cam.Alias == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteResyncDoesNotJoinEarlierSync(t *testing.T) {
	dev := &fakeLister{}
	dev.set([]models.Channel{{ID: "1011", Name: "Front", Enabled: true}}, nil)
	r := newTestRegistry(t, dev)
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	gate := make(chan struct{})
	dev.gate = gate
	earlier := make(chan error, 1)
	go func() {
		_, err := r.Sync(context.Background())
		earlier <- err
	}()
	require.Eventually(t, func() bool { return dev.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Delete(context.Background(), "1011"))
	close(gate)
	require.NoError(t, <-earlier)

	// The resync reads the device again once the earlier sync is done.
	require.Eventually(t, func() bool {
		if dev.calls.Load() < 3 {
			return false
		}
		_, err := r.Get(context.Background(), "1011")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
