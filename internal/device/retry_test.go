package device_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmd-presenter/internal/device"
	"dmd-presenter/internal/device/simdev"
	"dmd-presenter/internal/platform/logger"
)

func newRetry(t *testing.T) (*simdev.Device, *device.RetryGateway, *int) {
	t.Helper()
	sim := simdev.New(simdev.Config{})
	retries := 0
	gw := device.NewRetryGateway(sim, logger.Discard(), func() { retries++ })
	return sim, gw, &retries
}

func TestRetryGateway_reconnects_once_on_comm_error(t *testing.T) {
	sim, gw, retries := newRetry(t)
	sim.FailNext(simdev.OpAllocate, device.ErrComm)

	h, err := gw.AllocateSlot(1, 10)
	require.NoError(t, err)
	assert.NotEqual(t, simdev.StaleHandle, h)
	assert.Equal(t, 1, sim.Reconnects())
	assert.Equal(t, 1, *retries)
}

func TestRetryGateway_device_removed_is_recoverable(t *testing.T) {
	sim, gw, _ := newRetry(t)
	sim.FailNext(simdev.OpQueueMode, device.ErrDeviceRemoved)

	require.NoError(t, gw.SetQueueMode())
	assert.Equal(t, 1, sim.Reconnects())
}

func TestRetryGateway_second_failure_propagates(t *testing.T) {
	sim, gw, _ := newRetry(t)
	sim.FailNext(simdev.OpHalt, device.ErrComm)
	sim.FailNext(simdev.OpHalt, device.ErrComm)

	err := gw.HaltProjection()
	require.ErrorIs(t, err, device.ErrComm)
	assert.Equal(t, 1, sim.Reconnects(), "only one reconnect per call")

	var ce *device.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "halt", ce.Op)
	assert.Equal(t, device.NoSlot, ce.Slot)
}

func TestRetryGateway_failed_reconnect_propagates_both(t *testing.T) {
	sim, gw, retries := newRetry(t)
	sim.FailNext(simdev.OpProjMode, device.ErrComm)
	sim.FailNext(simdev.OpReconnect, device.ErrNotAvailable)

	err := gw.SetProjectionMode(device.ModeMaster)
	assert.ErrorIs(t, err, device.ErrComm)
	assert.ErrorIs(t, err, device.ErrNotAvailable)
	assert.Zero(t, *retries)
}

func TestRetryGateway_other_errors_not_retried(t *testing.T) {
	sim, gw, _ := newRetry(t)
	sim.FailNext(simdev.OpAllocate, device.ErrMemoryFull)

	_, err := gw.AllocateSlot(1, 10)
	assert.ErrorIs(t, err, device.ErrMemoryFull)
	assert.Zero(t, sim.Reconnects())
}

func TestRetryGateway_call_error_names_slot(t *testing.T) {
	sim, gw, _ := newRetry(t)
	h, err := gw.AllocateSlot(1, 2)
	require.NoError(t, err)

	w, hgt := sim.Size()
	err = gw.Upload(h, 0, 1, make([]byte, w*hgt+1))
	require.ErrorIs(t, err, device.ErrInvalidParam)

	var ce *device.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, h, ce.Slot)
	assert.Contains(t, err.Error(), "upload")
}

func TestGuardedGateway_timeout_wedges(t *testing.T) {
	sim := simdev.New(simdev.Config{})
	gw := device.NewGuardedGateway(sim, 20*time.Millisecond)
	sim.HangNext(simdev.OpState, 200*time.Millisecond)

	_, err := gw.ProjectingActive()
	require.ErrorIs(t, err, device.ErrTimeout)
	assert.Equal(t, "query projection state", gw.Wedged())

	err = gw.HaltProjection()
	assert.ErrorIs(t, err, device.ErrNotAvailable)
}

func TestGuardedGateway_timed_out_results_stay_zero(t *testing.T) {
	t.Run("allocate", func(t *testing.T) {
		sim := simdev.New(simdev.Config{})
		gw := device.NewGuardedGateway(sim, 10*time.Millisecond)
		sim.HangNext(simdev.OpAllocate, 50*time.Millisecond)

		h, err := gw.AllocateSlot(1, 4)
		require.ErrorIs(t, err, device.ErrTimeout)
		assert.Zero(t, h)

		// let the stuck call finish; it must not reach h
		time.Sleep(80 * time.Millisecond)
		assert.Zero(t, h)
		assert.Equal(t, 1, sim.Allocated())
		assert.Equal(t, "allocate", gw.Wedged())
	})

	t.Run("query_progress", func(t *testing.T) {
		sim := simdev.New(simdev.Config{})
		gw := device.NewGuardedGateway(sim, 10*time.Millisecond)
		sim.HangNext(simdev.OpProgress, 50*time.Millisecond)

		snap, err := gw.QueryProgress()
		require.ErrorIs(t, err, device.ErrTimeout)
		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, device.ProgressSnapshot{}, snap)

		_, err = gw.QueryProgress()
		assert.ErrorIs(t, err, device.ErrNotAvailable)
	})
}

func TestGuardedGateway_passes_results_through(t *testing.T) {
	sim := simdev.New(simdev.Config{})
	gw := device.NewGuardedGateway(sim, time.Second)

	h, err := gw.AllocateSlot(1, 4)
	require.NoError(t, err)
	require.NoError(t, gw.SetTiming(h, device.Timing{PictureTime: time.Millisecond, SyncPulseWidth: 200 * time.Microsecond}))

	timing, ok := sim.SlotTiming(h)
	require.True(t, ok)
	assert.Equal(t, 200*time.Microsecond, timing.SyncPulseWidth)
	assert.Empty(t, gw.Wedged())
}

func TestGuardedGateway_zero_timeout_disables_deadline(t *testing.T) {
	sim := simdev.New(simdev.Config{})
	gw := device.NewGuardedGateway(sim, 0)
	sim.HangNext(simdev.OpHalt, 10*time.Millisecond)

	assert.NoError(t, gw.HaltProjection())
}
